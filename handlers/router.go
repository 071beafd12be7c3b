package handlers

import (
	"crypto/sha256"
	"net/http"

	"github.com/gorilla/csrf"

	"sitewatch/config"
)

// NewRouter assembles the web UI behind CSRF protection and the JSON API
// behind CORS, both wrapped in request logging and security headers.
func NewRouter() http.Handler {
	web := http.NewServeMux()
	RegisterHandlers(web)

	api := http.NewServeMux()
	RegisterAPIHandlers(api)

	// Separate key from the session store, derived like the store's keys.
	csrfKey := sha256.Sum256([]byte(config.AppConfig.SessionKey + "csrf"))
	csrfMiddleware := csrf.Protect(
		csrfKey[:],
		csrf.Secure(config.AppConfig.SecureCookies),
		csrf.Path("/"),
		csrf.SameSite(csrf.SameSiteLaxMode),
	)

	root := http.NewServeMux()
	root.Handle("/api/", LoggingMiddleware(api, CORSMiddleware(api)))
	root.Handle("/", LoggingMiddleware(web, PlaintextHTTPMiddleware(csrfMiddleware(web))))

	return SecurityHeadersMiddleware(root)
}
