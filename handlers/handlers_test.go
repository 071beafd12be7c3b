package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/auth"
	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/models"
	"sitewatch/scrape"
)

func TestMain(m *testing.M) {
	config.AppConfig = config.Config{
		AppName:    "SiteWatchTest",
		SessionKey: "test-secret-key-for-handlers-tests",
	}
	config.Logger.SetOutput(io.Discard)
	if err := db.InitDB("sqlite", ":memory:"); err != nil {
		panic(err)
	}
	auth.InitStore()

	code := m.Run()

	db.Close()
	os.Exit(code)
}

type scanCall struct {
	ReportID uint
	Sites    []models.SiteRef
}

// fakeScans records scan starts instead of running them.
type fakeScans struct {
	mu      sync.Mutex
	initial []scanCall
	updates []uint
	busy    map[uint]bool
	refuse  error
}

func (f *fakeScans) StartInitialScan(reportID uint, sites []models.SiteRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != nil {
		return f.refuse
	}
	f.initial = append(f.initial, scanCall{ReportID: reportID, Sites: sites})
	return nil
}

func (f *fakeScans) StartReportUpdate(reportID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[reportID] {
		return scrape.ErrScanInProgress
	}
	f.updates = append(f.updates, reportID)
	return nil
}

func useFakeScans(t *testing.T) *fakeScans {
	t.Helper()
	f := &fakeScans{busy: make(map[uint]bool)}
	prev := Scans
	Scans = f
	t.Cleanup(func() { Scans = prev })
	return f
}

func resetLimiters(t *testing.T) {
	t.Helper()
	loginLimiter = newRateLimiter()
	signupLimiter = newRateLimiter()
}

var emailSeq atomic.Int64

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%d@example.com", prefix, emailSeq.Add(1))
}

const testPassword = "correct-horse-battery"

func createUser(t *testing.T, first string) models.User {
	t.Helper()
	hash, err := db.HashPassword(testPassword)
	require.NoError(t, err)
	user := models.User{FirstName: first, LastName: "Tester", Email: uniqueEmail(strings.ToLower(first)), PasswordHash: hash}
	require.NoError(t, db.DB.Create(&user).Error)
	return user
}

func createSite(t *testing.T, owner models.User, name, globalID string) models.Site {
	t.Helper()
	site := models.Site{UserID: owner.ID, SiteName: name, GTGlobalID: globalID}
	require.NoError(t, db.DB.Create(&site).Error)
	return site
}

func createReportFor(t *testing.T, owner models.User, name string, sites ...models.Site) models.Report {
	t.Helper()
	report := models.Report{UserID: owner.ID, ReportName: name, Sites: sites}
	require.NoError(t, db.DB.Omit("Sites.*").Create(&report).Error)
	return report
}

func newWebMux() *http.ServeMux {
	mux := http.NewServeMux()
	RegisterHandlers(mux)
	return mux
}

// client keeps cookies between requests like a browser.
type client struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newClient(t *testing.T, h http.Handler) *client {
	return &client{t: t, handler: h, cookies: make(map[string]*http.Cookie)}
}

func (c *client) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	c.t.Helper()
	if form == nil {
		return c.doRaw(method, target, "", "")
	}
	return c.doRaw(method, target, "application/x-www-form-urlencoded", form.Encode())
}

func (c *client) doRaw(method, target, contentType, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)

	for _, ck := range w.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = &http.Cookie{Name: ck.Name, Value: ck.Value}
	}
	return w
}

func (c *client) get(target string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(http.MethodGet, target, nil)
}

func (c *client) post(target string, form url.Values) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(http.MethodPost, target, form)
}

func (c *client) login(user models.User) {
	c.t.Helper()
	w := c.post("/login", url.Values{"email": {user.Email}, "password": {testPassword}})
	require.Equal(c.t, http.StatusSeeOther, w.Code)
	require.Equal(c.t, "/", w.Header().Get("Location"))
}

func loggedIn(t *testing.T, user models.User) *client {
	t.Helper()
	c := newClient(t, newWebMux())
	c.login(user)
	return c
}

func TestSignupCreatesExactlyOneUser(t *testing.T) {
	resetLimiters(t)
	c := newClient(t, newWebMux())
	email := uniqueEmail("signup")

	w := c.post("/signup", url.Values{
		"first_name":       {"Ada"},
		"last_name":        {"Lovelace"},
		"email":            {"  " + strings.ToUpper(email)},
		"password":         {testPassword},
		"confirm_password": {testPassword},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	var users []models.User
	require.NoError(t, db.DB.Where("email = ?", email).Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].FirstName)
	assert.Equal(t, "Lovelace", users[0].LastName)
	assert.True(t, db.CheckPasswordHash(testPassword, users[0].PasswordHash))

	assert.Contains(t, c.get("/").Body.String(), "You have successfully signed up!")

	// Signing up does not log the user in.
	assert.Equal(t, http.StatusSeeOther, c.get("/mysites").Code)
}

func TestSignupLimitedPerAddress(t *testing.T) {
	resetLimiters(t)
	c := newClient(t, newWebMux())
	signup := func() *httptest.ResponseRecorder {
		return c.post("/signup", url.Values{
			"first_name":       {"Many"},
			"last_name":        {"Accounts"},
			"email":            {uniqueEmail("bulk")},
			"password":         {testPassword},
			"confirm_password": {testPassword},
		})
	}

	for i := 0; i < maxAttempts; i++ {
		w := signup()
		require.Equal(t, http.StatusSeeOther, w.Code)
		require.Equal(t, "/", w.Header().Get("Location"), "signup %d", i+1)
	}
	w := signup()
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/signup", w.Header().Get("Location"))
	assert.Contains(t, c.get("/signup").Body.String(), "Too many attempts")
}

func TestSignupValidationErrors(t *testing.T) {
	resetLimiters(t)
	c := newClient(t, newWebMux())
	email := uniqueEmail("invalid")

	w := c.post("/signup", url.Values{
		"first_name":       {"Ada"},
		"last_name":        {""},
		"email":            {email},
		"password":         {"short"},
		"confirm_password": {"other"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Last name is required")
	assert.Contains(t, body, "Password must be at least 8 characters")
	assert.Contains(t, body, "Confirm password must match Password")
	assert.Contains(t, body, `value="Ada"`)

	var count int64
	db.DB.Model(&models.User{}).Where("email = ?", email).Count(&count)
	assert.Zero(t, count)
}

func TestSignupDuplicateEmail(t *testing.T) {
	resetLimiters(t)
	existing := createUser(t, "Dup")
	c := newClient(t, newWebMux())

	w := c.post("/signup", url.Values{
		"first_name":       {"Other"},
		"last_name":        {"Person"},
		"email":            {existing.Email},
		"password":         {testPassword},
		"confirm_password": {testPassword},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "An account with that email already exists.")

	var count int64
	db.DB.Model(&models.User{}).Where("email = ?", existing.Email).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestLoginWrongPassword(t *testing.T) {
	resetLimiters(t)
	user := createUser(t, "Wrong")

	for _, email := range []string{user.Email, uniqueEmail("nobody")} {
		c := newClient(t, newWebMux())
		w := c.post("/login", url.Values{"email": {email}, "password": {"not-the-password"}})
		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "/login", w.Header().Get("Location"))

		assert.Contains(t, c.get("/login").Body.String(), "Incorrect email or password")
		assert.Equal(t, http.StatusSeeOther, c.get("/mysites").Code, "must stay logged out")
	}
}

func TestLoginFollowsLocalNext(t *testing.T) {
	resetLimiters(t)
	user := createUser(t, "Next")

	c := newClient(t, newWebMux())
	w := c.post("/login", url.Values{"email": {user.Email}, "password": {testPassword}, "next": {"/mysites"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/mysites", w.Header().Get("Location"))

	page := c.get("/mysites")
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "Welcome back!")

	c = newClient(t, newWebMux())
	w = c.post("/login", url.Values{"email": {user.Email}, "password": {testPassword}, "next": {"//evil.example/"}})
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestLoginRememberMe(t *testing.T) {
	resetLimiters(t)
	user := createUser(t, "Remember")
	c := newClient(t, newWebMux())

	w := c.post("/login", url.Values{"email": {user.Email}, "password": {testPassword}, "remember_me": {"y"}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	var found bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == auth.SessionName {
			found = true
			assert.Equal(t, 86400*30, ck.MaxAge)
		}
	}
	assert.True(t, found, "session cookie not set")

	page := c.get("/mysites")
	require.Equal(t, http.StatusOK, page.Code)
	found = false
	for _, ck := range page.Result().Cookies() {
		if ck.Name == auth.SessionName {
			found = true
			assert.Equal(t, 86400*30, ck.MaxAge, "remember me must survive later page views")
		}
	}
	assert.True(t, found, "session cookie not rewritten")
}

func TestLoginRequiredRedirects(t *testing.T) {
	c := newClient(t, newWebMux())

	w := c.get("/addsite")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login?next=%2Faddsite", w.Header().Get("Location"))

	body := c.get("/login?next=%2Faddsite").Body.String()
	assert.Contains(t, body, "Please log in to access this page.")
	assert.Contains(t, body, `value="/addsite"`)
}

func TestLogout(t *testing.T) {
	resetLimiters(t)
	c := loggedIn(t, createUser(t, "Bye"))
	require.Equal(t, http.StatusOK, c.get("/mysites").Code)

	w := c.get("/logout")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	assert.Contains(t, c.get("/").Body.String(), "See you next time!")
	assert.Equal(t, http.StatusSeeOther, c.get("/mysites").Code)
}

func TestAddSiteBelongsToCurrentUser(t *testing.T) {
	resetLimiters(t)
	alice := createUser(t, "Alice")
	bob := createUser(t, "Bob")
	ca := loggedIn(t, alice)
	cb := loggedIn(t, bob)

	w := ca.post("/addsite", url.Values{"site_name": {"Harbor Lofts"}, "gt_global_id": {"GT-100"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/addsite", w.Header().Get("Location"))
	assert.Contains(t, ca.get("/addsite").Body.String(), "Harbor Lofts has been added to your sites!")

	var sites []models.Site
	require.NoError(t, db.DB.Where("site_name = ?", "Harbor Lofts").Find(&sites).Error)
	require.Len(t, sites, 1)
	assert.Equal(t, alice.ID, sites[0].UserID)

	assert.Contains(t, ca.get("/mysites").Body.String(), "Harbor Lofts")
	assert.NotContains(t, cb.get("/mysites").Body.String(), "Harbor Lofts")
}

func TestAddSiteValidation(t *testing.T) {
	resetLimiters(t)
	c := loggedIn(t, createUser(t, "Spaces"))

	w := c.post("/addsite", url.Values{"site_name": {"Mill"}, "gt_global_id": {"GT 1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Global ID must not contain whitespace")
}

func TestAddReportStartsOneInitialScan(t *testing.T) {
	resetLimiters(t)
	scans := useFakeScans(t)
	alice := createUser(t, "Reporter")
	s1 := createSite(t, alice, "Pier", "GT-201")
	createSite(t, alice, "Dock", "GT-202")
	s3 := createSite(t, alice, "Quay", "GT-203")
	c := loggedIn(t, alice)

	w := c.post("/addreport", url.Values{
		"report_name":        {"Waterfront"},
		"current_user_sites": {fmt.Sprint(s1.ID), fmt.Sprint(s3.ID)},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/addreport", w.Header().Get("Location"))

	var report models.Report
	require.NoError(t, db.DB.Preload("Sites").Where("user_id = ? AND report_name = ?", alice.ID, "Waterfront").Take(&report).Error)
	assert.Len(t, report.Sites, 2)

	require.Len(t, scans.initial, 1)
	assert.Equal(t, report.ID, scans.initial[0].ReportID)
	assert.Equal(t, []models.SiteRef{
		{SiteID: s1.ID, GTGlobalID: "GT-201"},
		{SiteID: s3.ID, GTGlobalID: "GT-203"},
	}, scans.initial[0].Sites)

	assert.Contains(t, c.get("/addreport").Body.String(), "Waterfront has been added to your reports!")
}

func TestAddReportFlashesRefusedBaseline(t *testing.T) {
	resetLimiters(t)
	scans := useFakeScans(t)
	scans.refuse = scrape.ErrScanInProgress
	alice := createUser(t, "Refused")
	site := createSite(t, alice, "Weir", "GT-251")
	c := loggedIn(t, alice)

	w := c.post("/addreport", url.Values{"report_name": {"Locks"}, "current_user_sites": {fmt.Sprint(site.ID)}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	var count int64
	db.DB.Model(&models.Report{}).Where("user_id = ? AND report_name = ?", alice.ID, "Locks").Count(&count)
	assert.EqualValues(t, 1, count)

	body := c.get("/addreport").Body.String()
	assert.Contains(t, body, "Locks has been added to your reports!")
	assert.Contains(t, body, "The first scan of Locks could not be started")
}

func TestAddReportRejectsInvalidChoices(t *testing.T) {
	resetLimiters(t)
	scans := useFakeScans(t)
	alice := createUser(t, "Chooser")
	bob := createUser(t, "Owner")
	createSite(t, alice, "Mine", "GT-301")
	foreign := createSite(t, bob, "Theirs", "GT-302")
	c := loggedIn(t, alice)

	w := c.post("/addreport", url.Values{"report_name": {"Stolen"}, "current_user_sites": {fmt.Sprint(foreign.ID)}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sites: not a valid choice")

	w = c.post("/addreport", url.Values{"report_name": {"Empty"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sites: select at least 1")

	var count int64
	db.DB.Model(&models.Report{}).Where("user_id = ?", alice.ID).Count(&count)
	assert.Zero(t, count)
	assert.Empty(t, scans.initial)
}

func TestReportNotFound(t *testing.T) {
	resetLimiters(t)
	alice := createUser(t, "Finder")
	bob := createUser(t, "Hider")
	own := createReportFor(t, alice, "Mine")
	other := createReportFor(t, bob, "Secret")
	c := loggedIn(t, alice)

	for _, path := range []string{
		"/myreports/999999",
		"/myreports/abc",
		fmt.Sprintf("/myreports/%d", other.ID),
		fmt.Sprintf("/myreports/%d/999999", own.ID),
	} {
		w := c.get(path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Contains(t, w.Body.String(), "Page not found", path)
	}

	w := c.get(fmt.Sprintf("/myreports/%d", own.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Mine")
}

func TestReportUpdatePage(t *testing.T) {
	resetLimiters(t)
	alice := createUser(t, "Reader")
	busy := createSite(t, alice, "Busy Site", "GT-401")
	quiet := createSite(t, alice, "Quiet Site", "GT-402")
	report := createReportFor(t, alice, "Neighborhood", busy, quiet)
	otherReport := createReportFor(t, alice, "Elsewhere", busy)

	update := models.ReportUpdate{
		ReportID:  report.ID,
		ScrapedOn: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		SiteUpdates: []models.SiteUpdate{{
			SiteID:     busy.ID,
			NewActions: []models.NewAction{{ActionDate: "2024-04-30", Description: "Hearing held"}},
			NewDocs:    []models.NewDoc{{Title: "Minutes", URL: "https://tracker.example.org/minutes.pdf"}},
		}},
	}
	require.NoError(t, db.DB.Create(&update).Error)
	foreignUpdate := models.ReportUpdate{ReportID: otherReport.ID, ScrapedOn: time.Now()}
	require.NoError(t, db.DB.Create(&foreignUpdate).Error)

	c := loggedIn(t, alice)

	details := c.get(fmt.Sprintf("/myreports/%d", report.ID)).Body.String()
	assert.Contains(t, details, fmt.Sprintf("/myreports/%d/%d", report.ID, update.ID))

	w := c.get(fmt.Sprintf("/myreports/%d/%d", report.ID, update.ID))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Hearing held")
	assert.Contains(t, body, "https://tracker.example.org/minutes.pdf")
	assert.Contains(t, body, "No new activity")
	assert.Contains(t, body, "Quiet Site")

	w = c.get(fmt.Sprintf("/myreports/%d/%d", report.ID, foreignUpdate.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = c.get(fmt.Sprintf("/myreports/%d/%d/export.md", report.ID, update.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "# Neighborhood")
	assert.Contains(t, w.Body.String(), "Hearing held")
}

func TestMyReportsStartsUpdateScan(t *testing.T) {
	resetLimiters(t)
	scans := useFakeScans(t)
	alice := createUser(t, "Updater")
	report := createReportFor(t, alice, "Riverside")
	c := loggedIn(t, alice)

	assert.Contains(t, c.get("/myreports").Body.String(), fmt.Sprintf(`name="report_id%d"`, report.ID))

	w := c.post("/myreports", url.Values{fmt.Sprintf("report_id%d", report.ID): {"1"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/myreports", w.Header().Get("Location"))
	assert.Equal(t, []uint{report.ID}, scans.updates)
	assert.Contains(t, c.get("/myreports").Body.String(), "prepared an update for Riverside")

	scans.busy[report.ID] = true
	c.post("/myreports", url.Values{fmt.Sprintf("report_id%d", report.ID): {"1"}})
	assert.Contains(t, c.get("/myreports").Body.String(), "Riverside is already running")
	assert.Len(t, scans.updates, 1)
}

func TestMyReportsIgnoresOtherUsersReports(t *testing.T) {
	resetLimiters(t)
	scans := useFakeScans(t)
	alice := createUser(t, "Curious")
	other := createReportFor(t, createUser(t, "Private"), "Not yours")
	c := loggedIn(t, alice)

	c.post("/myreports", url.Values{fmt.Sprintf("report_id%d", other.ID): {"1"}})
	assert.Empty(t, scans.updates)
}

func TestUnknownPathNotFound(t *testing.T) {
	w := newClient(t, newWebMux()).get("/no/such/page")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Page not found")
}

func TestTranslatedPages(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9")
	w := httptest.NewRecorder()
	newWebMux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<html lang="fr">`)
}
