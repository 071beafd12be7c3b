package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"sitewatch/auth"
	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/forms"
	"sitewatch/i18n"
	"sitewatch/models"
	"sitewatch/scrape"
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func RegisterAPIHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/login", APILoginHandler)
	mux.HandleFunc("GET /api/v1/sites", apiAuth(APIListSitesHandler))
	mux.HandleFunc("POST /api/v1/sites", apiAuth(APIAddSiteHandler))
	mux.HandleFunc("GET /api/v1/reports", apiAuth(APIListReportsHandler))
	mux.HandleFunc("POST /api/v1/reports", apiAuth(APIAddReportHandler))
	mux.HandleFunc("POST /api/v1/reports/{report_id}/scans", apiAuth(APIStartScanHandler))

	for _, path := range []string{"/api/v1/login", "/api/v1/sites", "/api/v1/reports", "/api/v1/reports/{report_id}/scans"} {
		mux.HandleFunc(path, apiMethodNotAllowed)
	}
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, r, http.StatusNotFound, "NotFound")
	})
}

func sendJSONResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func sendJSONError(w http.ResponseWriter, r *http.Request, status int, key string) {
	sendJSONResponse(w, status, APIResponse{Status: "error", Message: t(r, key)})
}

func apiMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	sendJSONError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
}

// apiAuth resolves the X-API-Token header to a user id.
func apiAuth(next func(http.ResponseWriter, *http.Request, uint)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := auth.GetAPISession(r.Header.Get("X-API-Token"))
		if !ok {
			sendJSONError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, session.UserID)
	}
}

func sendValidationErrors(w http.ResponseWriter, errs []string) {
	sendJSONResponse(w, http.StatusBadRequest, APIResponse{
		Status:  "error",
		Message: strings.Join(errs, "; "),
		Data:    map[string]any{"errors": errs},
	})
}

func APILoginHandler(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r)
	if !loginLimiter.Allow(ip) {
		sendJSONError(w, r, http.StatusTooManyRequests, "TooManyAttempts")
		return
	}

	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendJSONError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	form := forms.LoginForm{Email: models.NormalizeEmail(input.Email), Password: input.Password}
	if errs := forms.Validate(i18n.DetectLanguage(r), form); len(errs) > 0 {
		sendValidationErrors(w, errs)
		return
	}

	user, ok := checkCredentials(r.Context(), form.Email, form.Password)
	if !ok {
		loginLimiter.RecordFailure(ip)
		sendJSONError(w, r, http.StatusUnauthorized, "InvalidCredentials")
		return
	}
	loginLimiter.Reset(ip)

	token, err := auth.CreateAPIToken(user.ID)
	if err != nil {
		config.LogError("handlers", "APILoginHandler", "create token", user.ID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}

	sendJSONResponse(w, http.StatusOK, APIResponse{
		Status: "success",
		Data: map[string]any{
			"token":   token,
			"user_id": user.ID,
			"email":   user.Email,
		},
	})
}

func APIListSitesHandler(w http.ResponseWriter, r *http.Request, userID uint) {
	sites, err := userSites(r.Context(), userID)
	if err != nil {
		config.LogError("handlers", "APIListSitesHandler", "list sites", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}
	if sites == nil {
		sites = []models.Site{}
	}
	sendJSONResponse(w, http.StatusOK, APIResponse{Status: "success", Data: sites})
}

func APIAddSiteHandler(w http.ResponseWriter, r *http.Request, userID uint) {
	var input struct {
		SiteName   string `json:"site_name"`
		GTGlobalID string `json:"gt_global_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendJSONError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	form := forms.AddSiteForm{SiteName: strings.TrimSpace(input.SiteName), GTGlobalID: strings.TrimSpace(input.GTGlobalID)}
	if errs := forms.Validate(i18n.DetectLanguage(r), form); len(errs) > 0 {
		sendValidationErrors(w, errs)
		return
	}

	site := models.Site{UserID: userID, SiteName: form.SiteName, GTGlobalID: form.GTGlobalID}
	if err := db.DB.WithContext(r.Context()).Create(&site).Error; err != nil {
		config.LogError("handlers", "APIAddSiteHandler", "create site", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}
	sendJSONResponse(w, http.StatusCreated, APIResponse{
		Status:  "success",
		Message: i18n.Tf(i18n.DetectLanguage(r), "SiteAdded", site.SiteName),
		Data:    site,
	})
}

func APIListReportsHandler(w http.ResponseWriter, r *http.Request, userID uint) {
	reports := []models.Report{}
	if err := db.DB.WithContext(r.Context()).Preload("Sites").Where("user_id = ?", userID).Order("id").Find(&reports).Error; err != nil {
		config.LogError("handlers", "APIListReportsHandler", "list reports", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}
	sendJSONResponse(w, http.StatusOK, APIResponse{Status: "success", Data: reports})
}

func APIAddReportHandler(w http.ResponseWriter, r *http.Request, userID uint) {
	var input struct {
		ReportName string `json:"report_name"`
		SiteIDs    []uint `json:"site_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendJSONError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}

	sites, err := userSites(r.Context(), userID)
	if err != nil {
		config.LogError("handlers", "APIAddReportHandler", "list sites", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}
	form := forms.AddReportForm{ReportName: strings.TrimSpace(input.ReportName), CurrentUserSites: input.SiteIDs}
	errs := forms.Validate(i18n.DetectLanguage(r), form)
	if len(errs) == 0 {
		errs = form.ValidateChoices(i18n.DetectLanguage(r), sites)
	}
	if len(errs) > 0 {
		sendValidationErrors(w, errs)
		return
	}

	report, err := createReport(r.Context(), userID, form.ReportName, selectSites(sites, form.CurrentUserSites))
	if err != nil {
		config.LogError("handlers", "APIAddReportHandler", "create report", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}
	msg := i18n.Tf(i18n.DetectLanguage(r), "ReportAdded", report.ReportName)
	if err := startBaseline(report); err != nil {
		msg = i18n.Tf(i18n.DetectLanguage(r), "BaselineNotStarted", report.ReportName)
	}
	sendJSONResponse(w, http.StatusCreated, APIResponse{
		Status:  "success",
		Message: msg,
		Data:    report,
	})
}

// APIStartScanHandler queues an update scan. The scan runs in the
// background, so success is 202.
func APIStartScanHandler(w http.ResponseWriter, r *http.Request, userID uint) {
	lang := i18n.DetectLanguage(r)
	report, err := ownedReport(r, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			sendJSONError(w, r, http.StatusNotFound, "NotFound")
			return
		}
		config.LogError("handlers", "APIStartScanHandler", "load report", userID, err)
		sendJSONError(w, r, http.StatusInternalServerError, "InternalServerError")
		return
	}

	err = Scans.StartReportUpdate(report.ID)
	switch {
	case err == nil:
		sendJSONResponse(w, http.StatusAccepted, APIResponse{
			Status:  "success",
			Message: i18n.Tf(lang, "UpdatePrepared", report.ReportName),
			Data:    map[string]any{"report_id": report.ID},
		})
	case errors.Is(err, scrape.ErrScanInProgress):
		sendJSONResponse(w, http.StatusConflict, APIResponse{Status: "error", Message: i18n.Tf(lang, "ScanInProgress", report.ReportName)})
	default:
		config.LogError("handlers", "APIStartScanHandler", "start scan", report.ID, err)
		sendJSONError(w, r, http.StatusServiceUnavailable, "InternalServerError")
	}
}
