// Package forms decodes and validates the HTML forms posted to the web
// handlers. Validation rules live in `validate` struct tags; `label` tags
// hold the i18n key naming the field in user-facing messages.
package forms

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"sitewatch/i18n"
	"sitewatch/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if label := fld.Tag.Get("label"); label != "" {
			return label
		}
		return fld.Name
	})
	_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return strings.IndexFunc(fl.Field().String(), unicode.IsSpace) < 0
	})
	return v
}

type SignupForm struct {
	FirstName       string `validate:"required,max=64" label:"FirstName"`
	LastName        string `validate:"required,max=64" label:"LastName"`
	Email           string `validate:"required,email,max=320" label:"Email"`
	Password        string `validate:"required,min=8,max=72" label:"Password"`
	ConfirmPassword string `validate:"required,eqfield=Password" label:"ConfirmPassword"`
	CaptchaID       string `validate:"-"`
	CaptchaSolution string `validate:"-"`
}

type LoginForm struct {
	Email      string `validate:"required,email" label:"Email"`
	Password   string `validate:"required" label:"Password"`
	RememberMe bool   `validate:"-"`
	Next       string `validate:"-"`
}

type AddSiteForm struct {
	SiteName   string `validate:"required,max=120" label:"SiteName"`
	GTGlobalID string `validate:"required,max=64,nospace" label:"GlobalID"`
}

type AddReportForm struct {
	ReportName       string `validate:"required,max=120" label:"ReportName"`
	CurrentUserSites []uint `validate:"min=1" label:"Sites"`
}

func ParseSignupForm(r *http.Request) (SignupForm, error) {
	if err := r.ParseForm(); err != nil {
		return SignupForm{}, err
	}
	return SignupForm{
		FirstName:       strings.TrimSpace(r.PostFormValue("first_name")),
		LastName:        strings.TrimSpace(r.PostFormValue("last_name")),
		Email:           models.NormalizeEmail(r.PostFormValue("email")),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
		CaptchaID:       r.PostFormValue("captcha_id"),
		CaptchaSolution: r.PostFormValue("captcha_solution"),
	}, nil
}

func ParseLoginForm(r *http.Request) (LoginForm, error) {
	if err := r.ParseForm(); err != nil {
		return LoginForm{}, err
	}
	return LoginForm{
		Email:      models.NormalizeEmail(r.PostFormValue("email")),
		Password:   r.PostFormValue("password"),
		RememberMe: checkbox(r.PostFormValue("remember_me")),
		Next:       r.FormValue("next"),
	}, nil
}

func ParseAddSiteForm(r *http.Request) (AddSiteForm, error) {
	if err := r.ParseForm(); err != nil {
		return AddSiteForm{}, err
	}
	return AddSiteForm{
		SiteName:   strings.TrimSpace(r.PostFormValue("site_name")),
		GTGlobalID: strings.TrimSpace(r.PostFormValue("gt_global_id")),
	}, nil
}

// ParseAddReportForm reads the selected site checkboxes. Values that are not
// ids are kept as 0 so choice validation rejects them.
func ParseAddReportForm(r *http.Request) (AddReportForm, error) {
	if err := r.ParseForm(); err != nil {
		return AddReportForm{}, err
	}
	f := AddReportForm{ReportName: strings.TrimSpace(r.PostFormValue("report_name"))}
	for _, raw := range r.PostForm["current_user_sites"] {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			id = 0
		}
		f.CurrentUserSites = append(f.CurrentUserSites, uint(id))
	}
	return f, nil
}

// ValidateChoices checks that every selected site is one of choices.
func (f AddReportForm) ValidateChoices(lang string, choices []models.Site) []string {
	allowed := make(map[uint]bool, len(choices))
	for _, s := range choices {
		allowed[s.ID] = true
	}
	for _, id := range f.CurrentUserSites {
		if !allowed[id] {
			return []string{i18n.Tf(lang, "ValidationChoice", i18n.T(lang, "Sites"))}
		}
	}
	return nil
}

func checkbox(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1", "y", "yes":
		return true
	}
	return false
}

// Validate runs the struct tags of form and returns one message per failing
// field, in declaration order and in lang. A nil result means the form is
// valid.
func Validate(lang string, form any) []string {
	err := validate.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, message(lang, fe))
	}
	return messages
}

func message(lang string, fe validator.FieldError) string {
	field := i18n.T(lang, fe.Field())
	switch fe.Tag() {
	case "required":
		return i18n.Tf(lang, "ValidationRequired", field)
	case "email":
		return i18n.Tf(lang, "ValidationEmail", field)
	case "min":
		if fe.Kind() == reflect.Slice {
			return i18n.Tf(lang, "ValidationMinChoices", field, fe.Param())
		}
		return i18n.Tf(lang, "ValidationMinLength", field, fe.Param())
	case "max":
		return i18n.Tf(lang, "ValidationMaxLength", field, fe.Param())
	case "eqfield":
		return i18n.Tf(lang, "ValidationMatch", field, i18n.T(lang, fe.Param()))
	case "nospace":
		return i18n.Tf(lang, "ValidationNoSpace", field)
	}
	return i18n.Tf(lang, "ValidationInvalid", field)
}
