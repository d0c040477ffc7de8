package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/contact"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/health"
	"github.com/guided-traffic/pgp-contact-form/internal/server/middleware"
)

// setupRoutes configures the HTTP routes and returns the root handler
func (s *Server) setupRoutes(router *mux.Router) http.Handler {
	// Order matters: request id first so every later layer can log it
	router.Use(middleware.RequestID)
	if s.config.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware)
	}
	router.Use(middleware.NewSecurity(s.logger, s.config.CORSAllowedOrigins).Middleware)
	router.Use(middleware.NewLogger(s.logger, s.config.LogHealthRequests).Middleware)

	healthHandler := health.NewHandler(s.logger, s.config.LogHealthRequests, s.build)
	healthHandler.SetShutdownStateHandler(s.shutdownStateHandler)
	router.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	router.HandleFunc("/version", healthHandler.Version).Methods(http.MethodGet)

	contactHandler := contact.NewHandler(s.submitter, s.logger)
	send := s.submissions.Middleware(http.HandlerFunc(contactHandler.Send))

	var root http.Handler = router
	if s.config.RateLimit.Enabled {
		limits := s.config.RateLimit
		send = middleware.NewRateLimiter(s.logger, "send", limits.SendRequests, limits.SendWindow).Middleware(send)

		// The global limit wraps the whole router so unmatched paths spend tokens too.
		// Health and version stay reachable for orchestrator checks.
		global := middleware.NewRateLimiter(s.logger, "global", limits.GlobalRequests, limits.GlobalWindow).
			Exempt("/health", "/version")
		root = global.Middleware(router)
	}

	router.Handle("/send", send).Methods(http.MethodPost)
	router.HandleFunc("/send", preflight).Methods(http.MethodOptions)

	return root
}

// preflight answers OPTIONS requests that carry no Origin; the security middleware answers the rest
func preflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", "POST, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
