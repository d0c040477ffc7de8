package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger writes one access log line per request. Server errors log at error level and client
// errors at warn level so a rejected submission stands out from routine traffic.
type Logger struct {
	logger            *logrus.Entry
	logHealthRequests bool
}

// NewLogger creates a new logging middleware
func NewLogger(logger *logrus.Entry, logHealthRequests bool) *Logger {
	return &Logger{
		logger:            logger,
		logHealthRequests: logHealthRequests,
	}
}

// Middleware returns the HTTP middleware function
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.logHealthRequests && isHealthPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		entry := l.logger.WithFields(logrus.Fields{
			"request_id":  RequestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.status,
			"bytes":       recorder.size,
			"duration":    time.Since(start),
			"remote_addr": ClientIP(r),
			"user_agent":  r.UserAgent(),
		})

		switch {
		case recorder.status >= http.StatusInternalServerError:
			entry.Error("HTTP request failed")
		case recorder.status >= http.StatusBadRequest:
			entry.Warn("HTTP request rejected")
		default:
			entry.Info("HTTP request processed")
		}
	})
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/version"
}

// statusRecorder captures the status code and body size written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}
