package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// BuildInfo is reported by the version endpoint
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Handler handles health and version endpoints
type Handler struct {
	logger               *logrus.Entry
	logHealthRequests    bool
	build                BuildInfo
	shutdownStateHandler func() (bool, time.Time)
}

// NewHandler creates a new health handler
func NewHandler(logger *logrus.Entry, logHealthRequests bool, build BuildInfo) *Handler {
	if build.Version == "" {
		build.Version = "dev"
	}
	return &Handler{
		logger:            logger,
		logHealthRequests: logHealthRequests,
		build:             build,
	}
}

// SetShutdownStateHandler sets the handler to check shutdown state
func (h *Handler) SetShutdownStateHandler(handler func() (bool, time.Time)) {
	h.shutdownStateHandler = handler
}

// Health handles the health check endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.logHealthRequests {
		h.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("Health check request")
	}

	// Check if we're in shutdown mode
	if h.shutdownStateHandler != nil {
		if shutdownInitiated, shutdownTime := h.shutdownStateHandler(); shutdownInitiated {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":        "shutting_down",
				"shutdown_time": shutdownTime.Format(time.RFC3339),
				"message":       "Server is shutting down gracefully",
			})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Version handles the version endpoint
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	if h.logHealthRequests {
		h.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("Version check request")
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"service":    "pgp-contact-form",
		"version":    h.build.Version,
		"commit":     h.build.Commit,
		"build_time": h.build.BuildTime,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to write health response")
	}
}
