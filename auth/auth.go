package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"gorm.io/gorm"

	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/models"
)

var Store *sessions.CookieStore

const SessionName = "sitewatch-session"

const (
	sessionMaxAge  = 0 // browser session
	rememberMaxAge = 86400 * 30
)

// Flash is a one-shot message shown on the next rendered page. Category is a
// bootstrap-style context class such as "success" or "danger".
type Flash struct {
	Message  string
	Category string
}

func init() {
	gob.Register(Flash{})
}

func InitStore() {
	// Derive two 32-byte keys from the session key to ensure secure encryption
	// Auth key for signing (HMAC)
	authKey := sha256.Sum256([]byte(config.AppConfig.SessionKey + "auth"))
	// Encryption key for content encryption (AES)
	encKey := sha256.Sum256([]byte(config.AppConfig.SessionKey + "encryption"))

	Store = sessions.NewCookieStore(authKey[:], encKey[:])

	Store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   config.AppConfig.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func session(r *http.Request) *sessions.Session {
	// Get only fails on a cookie we cannot decode; the returned session is
	// then a fresh one, which is what we want.
	s, _ := Store.Get(r, SessionName)
	return s
}

func GetUserID(r *http.Request) uint {
	if id, ok := session(r).Values["userID"].(uint); ok {
		return id
	}
	return 0
}

// CurrentUser loads the logged-in user, or returns nil when the session is
// anonymous or names a user that no longer exists.
func CurrentUser(r *http.Request) *models.User {
	id := GetUserID(r)
	if id == 0 {
		return nil
	}
	var user models.User
	if err := db.DB.WithContext(r.Context()).First(&user, id).Error; err != nil {
		return nil
	}
	return &user
}

// LoginUser stores userID in the session. remember keeps the cookie for 30
// days instead of the browser session. The session is written by Save.
func LoginUser(r *http.Request, userID uint, remember bool) {
	s := session(r)
	s.Values["userID"] = userID
	if remember {
		s.Values["remember"] = true
	} else {
		delete(s.Values, "remember")
	}
}

// LogoutUser drops the user but keeps the session so a flash can still be
// carried to the next page.
func LogoutUser(r *http.Request) {
	s := session(r)
	delete(s.Values, "userID")
	delete(s.Values, "remember")
}

func AddFlash(r *http.Request, message, category string) {
	session(r).AddFlash(Flash{Message: message, Category: category})
}

// PopFlashes returns and clears the pending flashes. Call Save afterwards so
// the cleared state reaches the client.
func PopFlashes(r *http.Request) []Flash {
	raw := session(r).Flashes()
	flashes := make([]Flash, 0, len(raw))
	for _, f := range raw {
		if flash, ok := f.(Flash); ok {
			flashes = append(flashes, flash)
		}
	}
	return flashes
}

// Save writes the request's session cookie. Call it once, before the
// response header is written.
// The cookie lifetime follows the remember flag on every write, since a
// decoded session starts from Store.Options.
func Save(w http.ResponseWriter, r *http.Request) error {
	s := session(r)
	opts := *Store.Options
	if remember, _ := s.Values["remember"].(bool); remember {
		opts.MaxAge = rememberMaxAge
	}
	s.Options = &opts
	return s.Save(r, w)
}

// Token-based Auth for API (Persistent)

func CreateAPIToken(userID uint) (string, error) {
	token := generateRandomToken(32)
	sess := models.APISession{Token: token, UserID: userID}
	if err := db.DB.Create(&sess).Error; err != nil {
		return "", fmt.Errorf("create api token: %w", err)
	}
	return token, nil
}

func GetAPISession(token string) (models.APISession, bool) {
	if token == "" {
		return models.APISession{}, false
	}
	var sess models.APISession
	err := db.DB.Where("token = ?", token).Take(&sess).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			config.LogError("auth", "GetAPISession", "lookup token", nil, err)
		}
		return models.APISession{}, false
	}
	return sess, true
}

func generateRandomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// If we can't generate random numbers, the system is in a critical state.
		panic(fmt.Sprintf("critical security error: failed to generate random token: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
