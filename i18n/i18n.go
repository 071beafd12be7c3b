package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"

	"golang.org/x/text/language"
)

//go:embed en.json fr.json
var embedded embed.FS

var translations map[string]map[string]string
var DefaultLang = "en"

var supported = []language.Tag{language.English, language.French}
var matcher = language.NewMatcher(supported)

func init() {
	if err := LoadTranslations(embedded); err != nil {
		panic(fmt.Sprintf("i18n: embedded translations are invalid: %v", err))
	}
}

// LoadTranslations reads <lang>.json for every supported language from fsys.
// Nothing is replaced unless every file loads.
func LoadTranslations(fsys fs.FS) error {
	loaded := make(map[string]map[string]string, len(supported))
	for _, tag := range supported {
		lang := baseOf(tag)
		data, err := fs.ReadFile(fsys, lang+".json")
		if err != nil {
			return err
		}
		var t map[string]string
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		loaded[lang] = t
	}
	translations = loaded
	return nil
}

func T(lang, key string) string {
	if t, ok := translations[lang]; ok {
		if val, ok := t[key]; ok {
			return val
		}
	}
	// Fallback to English
	if lang != DefaultLang {
		return T(DefaultLang, key)
	}
	return key
}

// Tf translates key and formats it with args.
func Tf(lang, key string, args ...any) string {
	return fmt.Sprintf(T(lang, key), args...)
}

func DetectLanguage(r *http.Request) string {
	accept := r.Header.Get("Accept-Language")
	if accept == "" {
		return DefaultLang
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return DefaultLang
	}
	_, idx, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return DefaultLang
	}
	return baseOf(supported[idx])
}

func baseOf(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}
