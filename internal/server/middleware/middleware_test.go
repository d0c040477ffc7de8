package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() (*logrus.Entry, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), &buf
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))
	})

	t.Run("incoming uuid reused", func(t *testing.T) {
		id := uuid.New().String()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, id)

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, id, seen)
	})

	t.Run("garbage replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.NotEqual(t, "<script>", seen)
	})
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name              string
		path              string
		status            int
		logHealthRequests bool
		wantMsg           string
		wantLevel         string
	}{
		{name: "delivered submission", path: "/send", status: http.StatusOK, wantMsg: "HTTP request processed", wantLevel: "info"},
		{name: "failed submission", path: "/send", status: http.StatusTeapot, wantMsg: "HTTP request rejected", wantLevel: "warning"},
		{name: "server error", path: "/send", status: http.StatusInternalServerError, wantMsg: "HTTP request failed", wantLevel: "error"},
		{name: "health skipped", path: "/health", status: http.StatusOK},
		{name: "version skipped", path: "/version", status: http.StatusOK},
		{name: "health logged when enabled", path: "/health", status: http.StatusOK, logHealthRequests: true, wantMsg: "HTTP request processed", wantLevel: "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := testLogger()
			handler := NewLogger(logger, tt.logHealthRequests).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.RemoteAddr = "203.0.113.9:41000"
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if tt.wantMsg == "" {
				assert.Empty(t, buf.String())
				return
			}
			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantMsg, entry["msg"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, float64(4), entry["bytes"])
			assert.Equal(t, "203.0.113.9", entry["remote_addr"])
			assert.Equal(t, tt.path, entry["path"])
		})
	}
}

func TestInFlight_Counts(t *testing.T) {
	logger, _ := testLogger()
	tracker := NewInFlight(logger)

	var during int
	handler := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = tracker.Active()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/send", nil))

	assert.Equal(t, 1, during)
	assert.Equal(t, 0, tracker.Active())
}

func TestInFlight_DrainWaitsForRunningSubmission(t *testing.T) {
	logger, _ := testLogger()
	tracker := NewInFlight(logger)

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	served := make(chan int, 1)
	go func() {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/send", nil))
		served <- rr.Code
	}()
	<-entered

	drained := make(chan error, 1)
	go func() { drained <- tracker.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned while a submission was running")
	case <-time.After(100 * time.Millisecond):
	}

	// New submissions are refused while draining
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/send", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"Server is shutting down, please try again later."}`, rr.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-served)
	assert.NoError(t, <-drained)
	assert.Equal(t, 0, tracker.Active())
}

func TestInFlight_DrainTimesOut(t *testing.T) {
	logger, _ := testLogger()
	tracker := NewInFlight(logger)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	handler := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
	}))
	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/send", nil))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tracker.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 submissions still in flight")
}

func TestInFlight_DrainIdle(t *testing.T) {
	logger, _ := testLogger()
	assert.NoError(t, NewInFlight(logger).Drain(context.Background()))
}

func TestSecurity_Headers(t *testing.T) {
	logger, _ := testLogger()
	handler := NewSecurity(logger, nil).Middleware(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rr.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, rr.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurity_CORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{name: "allowed origin", allowed: []string{"https://example.org/"}, method: http.MethodPost, origin: "https://example.org", wantStatus: http.StatusOK, wantOrigin: "https://example.org"},
		{name: "unknown origin passes without headers", allowed: []string{"https://example.org"}, method: http.MethodPost, origin: "https://evil.test", wantStatus: http.StatusOK},
		{name: "wildcard", allowed: []string{"*"}, method: http.MethodPost, origin: "https://any.test", wantStatus: http.StatusOK, wantOrigin: "https://any.test"},
		{name: "preflight allowed", allowed: []string{"https://example.org"}, method: http.MethodOptions, origin: "https://example.org", wantStatus: http.StatusNoContent, wantOrigin: "https://example.org"},
		{name: "preflight rejected", allowed: []string{"https://example.org"}, method: http.MethodOptions, origin: "https://evil.test", wantStatus: http.StatusForbidden},
		{name: "preflight with cors disabled", method: http.MethodOptions, origin: "https://example.org", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testLogger()
			handler := NewSecurity(logger, tt.allowed).Middleware(okHandler)

			req := httptest.NewRequest(tt.method, "/send", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	logger, _ := testLogger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl := NewRateLimiter(logger, "send", 3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("192.0.2.1")
		require.True(t, ok, "request %d", i+1)
	}

	ok, retryAfter := rl.Allow("192.0.2.1")
	assert.False(t, ok)
	assert.InDelta(t, float64(20*time.Second), float64(retryAfter), float64(time.Millisecond))

	// Other clients have their own bucket
	ok, _ = rl.Allow("192.0.2.2")
	assert.True(t, ok)

	// One token comes back every window/requests
	now = now.Add(21 * time.Second)
	ok, _ = rl.Allow("192.0.2.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("192.0.2.1")
	assert.False(t, ok)
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	logger, _ := testLogger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl := NewRateLimiter(logger, "global", 1, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("192.0.2.1")
	rl.Allow("192.0.2.2")
	assert.Len(t, rl.clients, 2)

	now = now.Add(2 * time.Minute)
	rl.Allow("192.0.2.3")
	assert.Len(t, rl.clients, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	logger, _ := testLogger()
	handler := NewRateLimiter(logger, "send", 1, time.Minute).Middleware(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		req.RemoteAddr = "198.51.100.7:51234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send().Code)

	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 60, retryAfter, 1)
	assert.JSONEq(t, `{"error":"Too many requests, please try again later."}`, rr.Body.String())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{remoteAddr: "unix", want: "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.remoteAddr, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestRateLimiter_ExemptPaths(t *testing.T) {
	logger, _ := testLogger()
	limiter := NewRateLimiter(logger, "global", 1, time.Minute).Exempt("/health", "/version")
	handler := limiter.Middleware(okHandler)

	request := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.8:40000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, request("/health"))
		assert.Equal(t, http.StatusOK, request("/version"))
	}

	assert.Equal(t, http.StatusOK, request("/anything"))
	assert.Equal(t, http.StatusTooManyRequests, request("/send"))
}
