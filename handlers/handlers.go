package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dchest/captcha"
	"github.com/gorilla/csrf"
	"gorm.io/gorm"

	"sitewatch/auth"
	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/export"
	"sitewatch/forms"
	"sitewatch/i18n"
	"sitewatch/metrics"
	"sitewatch/models"
	"sitewatch/scrape"
	"sitewatch/web"
)

// ScanStarter launches scans in the background. *scrape.Runner implements it.
type ScanStarter interface {
	StartInitialScan(reportID uint, sites []models.SiteRef) error
	StartReportUpdate(reportID uint) error
}

// Scans must be set before the handlers serve requests.
var Scans ScanStarter

type userKey struct{}

func RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", IndexHandler)
	mux.HandleFunc("/", NotFoundHandler)

	mux.HandleFunc("GET /signup", SignupHandler)
	mux.HandleFunc("POST /signup", SignupHandler)
	mux.HandleFunc("GET /login", LoginHandler)
	mux.HandleFunc("POST /login", LoginHandler)
	mux.HandleFunc("GET /logout", LogoutHandler)

	mux.HandleFunc("GET /addsite", requireLogin(AddSiteHandler))
	mux.HandleFunc("POST /addsite", requireLogin(AddSiteHandler))
	mux.HandleFunc("GET /addreport", requireLogin(AddReportHandler))
	mux.HandleFunc("POST /addreport", requireLogin(AddReportHandler))
	mux.HandleFunc("GET /mysites", requireLogin(MySitesHandler))
	mux.HandleFunc("GET /myreports", requireLogin(MyReportsHandler))
	mux.HandleFunc("POST /myreports", requireLogin(MyReportsHandler))
	mux.HandleFunc("GET /myreports/{report_id}", requireLogin(ReportDetailsHandler))
	mux.HandleFunc("GET /myreports/{report_id}/{report_update_id}", requireLogin(ReportUpdateHandler))
	mux.HandleFunc("GET /myreports/{report_id}/{report_update_id}/export.md", requireLogin(ExportReportUpdateHandler))

	mux.Handle("GET /captcha/", captcha.Server(captcha.StdWidth, captcha.StdHeight))
	static, err := fs.Sub(web.Files, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.Handle("GET /metrics", metrics.Handler())
}

func IndexHandler(w http.ResponseWriter, r *http.Request) {
	renderTemplate(w, r, "index.html", map[string]any{"Title": t(r, "Home")})
}

func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	renderPage(w, r, http.StatusNotFound, "not_found.html", map[string]any{"Title": t(r, "NotFound")})
}

func SignupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		renderSignup(w, r, forms.SignupForm{})
		return
	}

	ip := getClientIP(r)
	if !signupLimiter.Allow(ip) {
		flash(r, "danger", "TooManyAttempts")
		redirect(w, r, "/signup")
		return
	}

	form, err := forms.ParseSignupForm(r)
	if err != nil {
		http.Error(w, t(r, "InvalidRequestBody"), http.StatusBadRequest)
		return
	}
	errs := forms.Validate(i18n.DetectLanguage(r), form)
	if config.AppConfig.SignupCaptcha && !captcha.VerifyString(form.CaptchaID, form.CaptchaSolution) {
		errs = append(errs, t(r, "CaptchaFailed"))
	}
	if len(errs) > 0 {
		flashAll(r, errs)
		renderSignup(w, r, form)
		return
	}

	var existing int64
	if err := db.DB.Model(&models.User{}).Where("email = ?", form.Email).Count(&existing).Error; err != nil {
		serverError(w, r, "SignupHandler", err)
		return
	}
	if existing > 0 {
		flash(r, "danger", "EmailTaken")
		renderSignup(w, r, form)
		return
	}

	hash, err := db.HashPassword(form.Password)
	if err != nil {
		serverError(w, r, "SignupHandler", err)
		return
	}
	user := models.User{
		FirstName:    form.FirstName,
		LastName:     form.LastName,
		Email:        form.Email,
		PasswordHash: hash,
	}
	if err := db.DB.WithContext(r.Context()).Create(&user).Error; err != nil {
		if db.IsUniqueViolation(err) {
			flash(r, "danger", "EmailTaken")
			renderSignup(w, r, form)
			return
		}
		serverError(w, r, "SignupHandler", err)
		return
	}
	// Every created account counts, so one address opens at most five per
	// window.
	signupLimiter.RecordAttempt(ip)

	config.Logger.WithField("user_id", user.ID).Info("user signed up")
	flash(r, "success", "SignedUp")
	redirect(w, r, "/")
}

func renderSignup(w http.ResponseWriter, r *http.Request, form forms.SignupForm) {
	form.Password, form.ConfirmPassword = "", ""
	data := map[string]any{"Title": t(r, "SignUp"), "Form": form}
	if config.AppConfig.SignupCaptcha {
		data["CaptchaID"] = captcha.New()
	}
	renderTemplate(w, r, "signup.html", data)
}

func LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		renderLogin(w, r, forms.LoginForm{Next: r.URL.Query().Get("next")})
		return
	}

	ip := getClientIP(r)
	if !loginLimiter.Allow(ip) {
		flash(r, "danger", "TooManyAttempts")
		redirect(w, r, "/login")
		return
	}

	form, err := forms.ParseLoginForm(r)
	if err != nil {
		http.Error(w, t(r, "InvalidRequestBody"), http.StatusBadRequest)
		return
	}
	if errs := forms.Validate(i18n.DetectLanguage(r), form); len(errs) > 0 {
		flashAll(r, errs)
		renderLogin(w, r, form)
		return
	}

	user, ok := checkCredentials(r.Context(), form.Email, form.Password)
	if !ok {
		loginLimiter.RecordFailure(ip)
		flash(r, "danger", "IncorrectLogin")
		redirect(w, r, "/login")
		return
	}
	loginLimiter.Reset(ip)

	auth.LoginUser(r, user.ID, form.RememberMe)
	flash(r, "success", "WelcomeBack")
	redirect(w, r, safeNext(form.Next))
}

func renderLogin(w http.ResponseWriter, r *http.Request, form forms.LoginForm) {
	form.Password = ""
	renderTemplate(w, r, "login.html", map[string]any{
		"Title": t(r, "LogIn"),
		"Form":  form,
		"Next":  safeNext(form.Next),
	})
}

// checkCredentials always runs one bcrypt comparison so unknown emails take
// as long as wrong passwords.
func checkCredentials(ctx context.Context, email, password string) (models.User, bool) {
	var user models.User
	err := db.DB.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).Take(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		config.LogError("handlers", "checkCredentials", "lookup user", nil, err)
	}
	target := user.PasswordHash
	if err != nil {
		target = db.DummyHash
	}
	match := db.CheckPasswordHash(password, target)
	return user, err == nil && match
}

// safeNext only follows local absolute paths.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return next
}

func LogoutHandler(w http.ResponseWriter, r *http.Request) {
	auth.LogoutUser(r)
	flash(r, "primary", "SeeYou")
	redirect(w, r, "/")
}

func AddSiteHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if r.Method != http.MethodPost {
		renderTemplate(w, r, "add_site.html", map[string]any{"Title": t(r, "AddSite"), "Form": forms.AddSiteForm{}})
		return
	}

	form, err := forms.ParseAddSiteForm(r)
	if err != nil {
		http.Error(w, t(r, "InvalidRequestBody"), http.StatusBadRequest)
		return
	}
	if errs := forms.Validate(i18n.DetectLanguage(r), form); len(errs) > 0 {
		flashAll(r, errs)
		renderTemplate(w, r, "add_site.html", map[string]any{"Title": t(r, "AddSite"), "Form": form})
		return
	}

	site := models.Site{UserID: user.ID, SiteName: form.SiteName, GTGlobalID: form.GTGlobalID}
	if err := db.DB.WithContext(r.Context()).Create(&site).Error; err != nil {
		serverError(w, r, "AddSiteHandler", err)
		return
	}

	flashf(r, "success", "SiteAdded", site.SiteName)
	redirect(w, r, "/addsite")
}

func AddReportHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	sites, err := userSites(r.Context(), user.ID)
	if err != nil {
		serverError(w, r, "AddReportHandler", err)
		return
	}
	page := map[string]any{"Title": t(r, "AddReport"), "Sites": sites, "Form": forms.AddReportForm{}}
	if r.Method != http.MethodPost {
		renderTemplate(w, r, "add_report.html", page)
		return
	}

	form, err := forms.ParseAddReportForm(r)
	if err != nil {
		http.Error(w, t(r, "InvalidRequestBody"), http.StatusBadRequest)
		return
	}
	errs := forms.Validate(i18n.DetectLanguage(r), form)
	if len(errs) == 0 {
		errs = form.ValidateChoices(i18n.DetectLanguage(r), sites)
	}
	if len(errs) > 0 {
		flashAll(r, errs)
		page["Form"] = form
		renderTemplate(w, r, "add_report.html", page)
		return
	}

	report, err := createReport(r.Context(), user.ID, form.ReportName, selectSites(sites, form.CurrentUserSites))
	if err != nil {
		serverError(w, r, "AddReportHandler", err)
		return
	}

	flashf(r, "success", "ReportAdded", report.ReportName)
	if err := startBaseline(report); err != nil {
		flashf(r, "warning", "BaselineNotStarted", report.ReportName)
	}
	redirect(w, r, "/addreport")
}

// createReport saves the report with its site links.
func createReport(ctx context.Context, userID uint, name string, sites []models.Site) (models.Report, error) {
	report := models.Report{UserID: userID, ReportName: name, Sites: sites}
	if err := db.DB.WithContext(ctx).Omit("Sites.*").Create(&report).Error; err != nil {
		return report, fmt.Errorf("create report: %w", err)
	}
	return report, nil
}

// startBaseline starts the initial scan of a report that was just created.
// A refusal leaves the report without a baseline until the next update.
func startBaseline(report models.Report) error {
	err := Scans.StartInitialScan(report.ID, report.SiteRefs())
	if err != nil {
		config.Logger.WithField("report_id", report.ID).WithError(err).Warn("initial scan not started")
	}
	return err
}

// selectSites keeps the sites whose ids are in ids, in choice order.
func selectSites(choices []models.Site, ids []uint) []models.Site {
	want := make(map[uint]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Site
	for _, s := range choices {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func MySitesHandler(w http.ResponseWriter, r *http.Request) {
	sites, err := userSites(r.Context(), currentUser(r).ID)
	if err != nil {
		serverError(w, r, "MySitesHandler", err)
		return
	}
	renderTemplate(w, r, "my_sites.html", map[string]any{"Title": t(r, "MySites"), "MySites": sites})
}

func MyReportsHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var reports []models.Report
	if err := db.DB.WithContext(r.Context()).Preload("Sites").Where("user_id = ?", user.ID).Order("id").Find(&reports).Error; err != nil {
		serverError(w, r, "MyReportsHandler", err)
		return
	}
	if r.Method != http.MethodPost {
		renderTemplate(w, r, "my_reports.html", map[string]any{"Title": t(r, "MyReports"), "MyReports": reports})
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, t(r, "InvalidRequestBody"), http.StatusBadRequest)
		return
	}
	for _, report := range reports {
		if _, ok := r.PostForm[fmt.Sprintf("report_id%d", report.ID)]; !ok {
			continue
		}
		err := Scans.StartReportUpdate(report.ID)
		switch {
		case err == nil:
			flashf(r, "success", "UpdatePrepared", report.ReportName)
		case errors.Is(err, scrape.ErrScanInProgress):
			flashf(r, "info", "ScanInProgress", report.ReportName)
		default:
			config.LogError("handlers", "MyReportsHandler", "start report update", report.ID, err)
			flash(r, "danger", "InternalServerError")
		}
		break
	}
	redirect(w, r, "/myreports")
}

func ReportDetailsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := ownedReport(r, currentUser(r).ID)
	if err != nil {
		lookupError(w, r, "ReportDetailsHandler", err)
		return
	}
	var updates []models.ReportUpdate
	if err := db.DB.WithContext(r.Context()).Where("report_id = ?", report.ID).Order("scraped_on DESC, id DESC").Find(&updates).Error; err != nil {
		serverError(w, r, "ReportDetailsHandler", err)
		return
	}
	renderTemplate(w, r, "report_details.html", map[string]any{
		"Title":         report.ReportName,
		"Report":        report,
		"ReportUpdates": updates,
	})
}

func ReportUpdateHandler(w http.ResponseWriter, r *http.Request) {
	report, update, err := ownedReportUpdate(r, currentUser(r).ID)
	if err != nil {
		lookupError(w, r, "ReportUpdateHandler", err)
		return
	}
	renderTemplate(w, r, "report_update.html", map[string]any{
		"Title":        report.ReportName,
		"Report":       report,
		"ReportUpdate": update,
		"SiteUpdates":  update.SiteUpdates,
		"QuietSites":   quietSites(report, update),
	})
}

func ExportReportUpdateHandler(w http.ResponseWriter, r *http.Request) {
	report, update, err := ownedReportUpdate(r, currentUser(r).ID)
	if err != nil {
		lookupError(w, r, "ExportReportUpdateHandler", err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteMarkdown(&buf, report, update); err != nil {
		serverError(w, r, "ExportReportUpdateHandler", err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"report-%d-update-%d.md\"", report.ID, update.ID))
	buf.WriteTo(w)
}

// quietSites lists the report's sites without a site update.
func quietSites(report models.Report, update models.ReportUpdate) []models.Site {
	covered := make(map[uint]bool, len(update.SiteUpdates))
	for _, su := range update.SiteUpdates {
		covered[su.SiteID] = true
	}
	var quiet []models.Site
	for _, s := range report.Sites {
		if !covered[s.ID] {
			quiet = append(quiet, s)
		}
	}
	return quiet
}

func userSites(ctx context.Context, userID uint) ([]models.Site, error) {
	var sites []models.Site
	err := db.DB.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&sites).Error
	return sites, err
}

// ownedReport loads the {report_id} path value with its sites. Reports of
// other users are reported as gorm.ErrRecordNotFound.
func ownedReport(r *http.Request, userID uint) (models.Report, error) {
	var report models.Report
	id, err := pathID(r, "report_id")
	if err != nil {
		return report, err
	}
	err = db.DB.WithContext(r.Context()).Preload("Sites", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("sites.id")
	}).Where("id = ? AND user_id = ?", id, userID).Take(&report).Error
	return report, err
}

func ownedReportUpdate(r *http.Request, userID uint) (models.Report, models.ReportUpdate, error) {
	var update models.ReportUpdate
	report, err := ownedReport(r, userID)
	if err != nil {
		return report, update, err
	}
	id, err := pathID(r, "report_update_id")
	if err != nil {
		return report, update, err
	}
	err = db.DB.WithContext(r.Context()).
		Preload("SiteUpdates", func(tx *gorm.DB) *gorm.DB { return tx.Order("site_updates.id") }).
		Preload("SiteUpdates.Site").
		Preload("SiteUpdates.NewActions").
		Preload("SiteUpdates.NewDocs").
		Where("id = ? AND report_id = ?", id, report.ID).
		Take(&update).Error
	return report, update, err
}

// pathID parses a numeric path value. Malformed ids are not found.
func pathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return uint(id), nil
}

func lookupError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		NotFoundHandler(w, r)
		return
	}
	serverError(w, r, funcName, err)
}

func serverError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	config.LogError("handlers", funcName, r.Method+" "+r.URL.Path, nil, err)
	http.Error(w, t(r, "InternalServerError"), http.StatusInternalServerError)
}

// requireLogin sends anonymous visitors to the login page and hands the
// loaded user to next through the request context.
func requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.CurrentUser(r)
		if user == nil {
			flash(r, "info", "LoginRequired")
			redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func currentUser(r *http.Request) *models.User {
	if user, ok := r.Context().Value(userKey{}).(*models.User); ok {
		return user
	}
	return auth.CurrentUser(r)
}

func t(r *http.Request, key string) string {
	return i18n.T(i18n.DetectLanguage(r), key)
}

func flash(r *http.Request, category, key string) {
	auth.AddFlash(r, t(r, key), category)
}

func flashf(r *http.Request, category, key string, args ...any) {
	auth.AddFlash(r, i18n.Tf(i18n.DetectLanguage(r), key, args...), category)
}

func flashAll(r *http.Request, messages []string) {
	for _, m := range messages {
		auth.AddFlash(r, m, "danger")
	}
}

// redirect writes the session and sends a 303 to target.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	if err := auth.Save(w, r); err != nil {
		config.LogError("handlers", "redirect", "save session", nil, err)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func renderTemplate(w http.ResponseWriter, r *http.Request, name string, data map[string]any) {
	renderPage(w, r, http.StatusOK, name, data)
}

func renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data map[string]any) {
	lang := i18n.DetectLanguage(r)

	funcMap := template.FuncMap{
		"T": func(key string) string {
			return i18n.T(lang, key)
		},
		"date": func(ts time.Time) string {
			return ts.UTC().Format("2006-01-02 15:04 MST")
		},
	}

	tmpl, err := template.New(name).Funcs(funcMap).ParseFS(web.Files, "templates/layout.html", "templates/"+name)
	if err != nil {
		serverError(w, r, "renderTemplate", err)
		return
	}

	if data == nil {
		data = map[string]any{}
	}
	if _, exists := data["AppName"]; !exists {
		data["AppName"] = config.AppConfig.AppName
	}
	if _, exists := data["CurrentUser"]; !exists {
		data["CurrentUser"] = currentUser(r)
	}
	data["Lang"] = lang
	data["csrfField"] = csrf.TemplateField(r)
	data["Flashes"] = auth.PopFlashes(r)

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		serverError(w, r, "renderTemplate", err)
		return
	}
	if err := auth.Save(w, r); err != nil {
		config.LogError("handlers", "renderTemplate", "save session", nil, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
