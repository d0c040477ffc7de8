package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/config"
	encsvc "github.com/guided-traffic/pgp-contact-form/internal/encryption"
	"github.com/guided-traffic/pgp-contact-form/internal/keys"
	"github.com/guided-traffic/pgp-contact-form/internal/mailer"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/health"
	"github.com/guided-traffic/pgp-contact-form/internal/submission"
	"github.com/guided-traffic/pgp-contact-form/internal/testutil"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption/providers"
)

// outbox records envelopes instead of talking to a relay
type outbox struct {
	mu   sync.Mutex
	sent []mailer.Envelope
	err  error

	// started and release hold a send open until the test lets it finish
	started chan struct{}
	release chan struct{}
}

func (o *outbox) Send(_ context.Context, env mailer.Envelope) error {
	if o.started != nil {
		o.started <- struct{}{}
		<-o.release
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, env)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		BindAddress:     "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 5,
		SiteName:        "Example",
		SMTP: config.SMTPConfig{
			Sender:    "noreply@example.com",
			Receivers: []string{"owner@example.com"},
		},
		RateLimit: config.RateLimitConfig{
			Enabled:        true,
			GlobalRequests: 150,
			GlobalWindow:   15 * time.Minute,
			SendRequests:   100,
			SendWindow:     5 * time.Minute,
		},
	}
}

// newTestServer wires a real pipeline with in-process encryption and an outbox
func newTestServer(t *testing.T, cfg *config.Config, box *outbox) (*Server, *openpgp.Entity) {
	t.Helper()

	dir := t.TempDir()
	entity := testutil.KeyPair(t, "owner@example.com")
	testutil.WritePublicKey(t, dir, keys.DefaultPrimaryKeyFile, entity)

	store, err := keys.Load(dir, "")
	require.NoError(t, err)

	provider, err := providers.NewOpenPGPProvider(&providers.OpenPGPConfig{})
	require.NoError(t, err)
	service, err := encsvc.NewService(provider)
	require.NoError(t, err)

	orchestrator, err := submission.NewOrchestrator(submission.Config{
		SiteName:  cfg.SiteName,
		Sender:    cfg.SMTP.Sender,
		Receivers: cfg.SMTP.Receivers,
	}, nil, service, box, store)
	require.NoError(t, err)

	srv, err := NewServer(cfg, orchestrator, health.BuildInfo{Version: "1.0.0"})
	require.NoError(t, err)
	return srv, entity
}

func postJSON(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:5555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, &outboxSubmitter{}, health.BuildInfo{})
	assert.Error(t, err)

	_, err = NewServer(testConfig(), nil, health.BuildInfo{})
	assert.Error(t, err)
}

type outboxSubmitter struct{}

func (outboxSubmitter) Handle(context.Context, submission.Request) submission.Outcome {
	return submission.Outcome{State: submission.StateResponded}
}

func TestSend_DeliversEncryptedMessage(t *testing.T) {
	box := &outbox{}
	srv, entity := newTestServer(t, testConfig(), box)

	rr := postJSON(srv.Handler(), `{"name":"Ann","email":"Ann.Smith@Example.com","message":"Hello there"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	require.Len(t, box.sent, 1)
	env := box.sent[0]
	assert.Equal(t, []string{"owner@example.com"}, env.To)
	assert.Equal(t, "MESSAGE FROM Example", env.Subject)
	assert.Equal(t, "FROM: Ann\n\nEMAIL ADDRESS: 'ann.smith@example.com'\n\nMESSAGE:\n\nHello there", testutil.Decrypt(t, env.Body, entity))
}

func TestSend_FormEncoded(t *testing.T) {
	box := &outbox{}
	srv, _ := newTestServer(t, testConfig(), box)

	form := url.Values{"name": {"Ann"}, "email": {"ann@example.com"}, "message": {"Hi"}}
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, box.sent, 1)
}

func TestSend_ValidationErrors(t *testing.T) {
	box := &outbox{}
	srv, _ := newTestServer(t, testConfig(), box)

	rr := postJSON(srv.Handler(), `{"name":"Ann","email":"not-an-email","message":"Hi"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"errors":[{"msg":"Invalid value","param":"email","location":"body"}]}`, rr.Body.String())
	assert.Empty(t, box.sent)
}

func TestSend_EmptyBodyReportsEveryRule(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), &outbox{})

	rr := postJSON(srv.Handler(), `not json`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body struct {
		Errors []struct {
			Param string `json:"param"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))

	params := make([]string, 0, len(body.Errors))
	for _, e := range body.Errors {
		params = append(params, e.Param)
	}
	assert.Equal(t, []string{"name", "email", "message", "name", "email", "message", "name", "email", "message"}, params)
}

func TestSend_DeliveryFailureIsTeapot(t *testing.T) {
	box := &outbox{err: &apperrors.DeliveryError{Err: errors.New("554 rejected")}}
	srv, _ := newTestServer(t, testConfig(), box)

	rr := postJSON(srv.Handler(), `{"name":"Ann","email":"ann@example.com","message":"Hi"}`)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestSend_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.SendRequests = 2
	srv, _ := newTestServer(t, cfg, &outbox{})

	body := `{"name":"Ann","email":"ann@example.com","message":"Hi"}`
	assert.Equal(t, http.StatusOK, postJSON(srv.Handler(), body).Code)
	assert.Equal(t, http.StatusOK, postJSON(srv.Handler(), body).Code)

	rr := postJSON(srv.Handler(), body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// Health stays reachable
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRateLimit_CoversEveryPathButHealth(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.GlobalRequests = 2
	srv, _ := newTestServer(t, cfg, &outbox{})

	request := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNotFound, request(http.MethodGet, "/unknown").Code)
	assert.Equal(t, http.StatusNotFound, request(http.MethodGet, "/wp-login.php").Code)

	rr := request(http.MethodGet, "/unknown")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	body := `{"name":"Ann","email":"ann@example.com","message":"Hi"}`
	assert.Equal(t, http.StatusTooManyRequests, postJSON(srv.Handler(), body).Code)

	assert.Equal(t, http.StatusOK, request(http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, request(http.MethodGet, "/version").Code)
}

func TestSend_RateLimitDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: false, SendRequests: 1, SendWindow: time.Hour}
	srv, _ := newTestServer(t, cfg, &outbox{})

	body := `{"name":"Ann","email":"ann@example.com","message":"Hi"}`
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, postJSON(srv.Handler(), body).Code)
	}
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), &outbox{})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{method: http.MethodGet, path: "/health", status: http.StatusOK},
		{method: http.MethodGet, path: "/version", status: http.StatusOK},
		{method: http.MethodGet, path: "/send", status: http.StatusMethodNotAllowed},
		{method: http.MethodOptions, path: "/send", status: http.StatusNoContent},
		{method: http.MethodGet, path: "/unknown", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), &outbox{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	// Give the listener a moment before shutting down
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	shuttingDown, since := srv.shutdownStateHandler()
	assert.True(t, shuttingDown)
	assert.False(t, since.IsZero())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// Submissions arriving after shutdown are refused before reaching the pipeline
	rr = postJSON(srv.Handler(), `{"name":"Ann","email":"ann@example.com","message":"Hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// startListening runs srv on a free local port and returns its base URL
func startListening(t *testing.T, cfg *config.Config, box *outbox) (*Server, string, context.CancelFunc, chan error) {
	t.Helper()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Port = free.Addr().(*net.TCPAddr).Port
	require.NoError(t, free.Close())

	srv, _ := newTestServer(t, cfg, box)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return srv, baseURL, cancel, done
}

func postSubmission(baseURL string) <-chan int {
	status := make(chan int, 1)
	go func() {
		body := `{"name":"Ann","email":"ann@example.com","message":"Hi"}`
		resp, err := http.Post(baseURL+"/send", "application/json", strings.NewReader(body))
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	return status
}

func TestStart_WaitsForInFlightSubmission(t *testing.T) {
	box := &outbox{started: make(chan struct{}), release: make(chan struct{})}
	srv, baseURL, cancel, done := startListening(t, testConfig(), box)
	defer cancel()

	status := postSubmission(baseURL)
	<-box.started
	assert.Equal(t, 1, srv.submissions.Active())

	cancel()

	select {
	case <-done:
		t.Fatal("server stopped while a submission was still sending")
	case <-time.After(200 * time.Millisecond):
	}

	close(box.release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, http.StatusOK, <-status)
	assert.Len(t, box.sent, 1)
	assert.Equal(t, 0, srv.submissions.Active())
}

func TestStart_ShutdownTimeoutWithSubmissionInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 1
	box := &outbox{started: make(chan struct{}), release: make(chan struct{})}
	_, baseURL, cancel, done := startListening(t, cfg, box)
	defer cancel()

	status := postSubmission(baseURL)
	<-box.started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "1 submissions still in flight")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not give up after the shutdown timeout")
	}

	close(box.release)
	<-status
}

func TestStart_ListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig()
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port
	srv, _ := newTestServer(t, cfg, &outbox{})

	err = srv.Start(context.Background())
	assert.Error(t, err)
}
