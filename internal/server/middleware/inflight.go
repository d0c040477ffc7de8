package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// ShuttingDownMessage is returned for submissions that arrive after draining started
const ShuttingDownMessage = "Server is shutting down, please try again later."

// InFlight counts submissions still running through the pipeline. Once Drain is called new
// submissions are refused with 503, and Drain returns when the last running one finishes.
type InFlight struct {
	logger *logrus.Entry

	mu       sync.Mutex
	active   int
	draining bool
	idle     chan struct{}
}

// NewInFlight creates a new in-flight submission tracker
func NewInFlight(logger *logrus.Entry) *InFlight {
	return &InFlight{
		logger: logger,
	}
}

// Active returns the number of submissions currently running
func (f *InFlight) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *InFlight) begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.draining {
		return false
	}
	f.active++
	return true
}

func (f *InFlight) end() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.active--
	if f.active == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

// Drain stops admitting submissions and waits until none is running or ctx ends
func (f *InFlight) Drain(ctx context.Context) error {
	f.mu.Lock()
	f.draining = true
	if f.active == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	pending := f.active
	f.mu.Unlock()

	f.logger.WithField("submissions", pending).Info("Waiting for in-flight submissions")

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d submissions still in flight: %w", f.Active(), ctx.Err())
	}
}

// Middleware returns the HTTP middleware function
func (f *InFlight) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.begin() {
			f.logger.WithField("request_id", RequestIDFromContext(r.Context())).Warn("Refused submission during shutdown")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ShuttingDownMessage})
			return
		}
		defer f.end()

		next.ServeHTTP(w, r)
	})
}
