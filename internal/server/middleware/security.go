package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// securityHeaders are sent on every response. The API serves no HTML, so the content
// security policy denies everything.
var securityHeaders = map[string]string{
	"Content-Security-Policy":           "default-src 'none'; frame-ancestors 'none'",
	"Cross-Origin-Opener-Policy":        "same-origin",
	"Cross-Origin-Resource-Policy":      "same-origin",
	"Origin-Agent-Cluster":              "?1",
	"Referrer-Policy":                   "no-referrer",
	"Strict-Transport-Security":         "max-age=15552000; includeSubDomains",
	"X-Content-Type-Options":            "nosniff",
	"X-DNS-Prefetch-Control":            "off",
	"X-Download-Options":                "noopen",
	"X-Frame-Options":                   "SAMEORIGIN",
	"X-Permitted-Cross-Domain-Policies": "none",
	"X-XSS-Protection":                  "0",
}

// Security sets protective response headers and, when origins are configured, answers CORS
// requests from those origins
type Security struct {
	logger         *logrus.Entry
	allowedOrigins map[string]bool
	allowAll       bool
}

// NewSecurity creates a new security headers middleware. An origin of "*" allows any origin.
func NewSecurity(logger *logrus.Entry, allowedOrigins []string) *Security {
	s := &Security{
		logger:         logger,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			s.allowAll = true
			continue
		}
		if origin != "" {
			s.allowedOrigins[origin] = true
		}
	}
	return s
}

// Middleware returns the HTTP middleware function
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range securityHeaders {
			w.Header().Set(name, value)
		}

		origin := r.Header.Get("Origin")
		allowed := origin != "" && (s.allowAll || s.allowedOrigins[origin])
		if allowed {
			// Set CORS headers
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions && origin != "" {
			if !allowed {
				s.logger.WithField("origin", origin).Debug("Rejected CORS preflight")
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
