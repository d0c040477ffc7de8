package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddleware_RecordsRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(HTTPMiddleware)
	router.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodPost)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("POST", "/send", "418"))

	req := httptest.NewRequest(http.MethodPost, "/send", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("POST", "/send", "418")))
	assert.Equal(t, float64(0), testutil.ToFloat64(RequestsInFlight))
}

func TestHTTPMiddleware_ResponseSizeAndUnmatchedRoute(t *testing.T) {
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"not here"}`))
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", unmatchedEndpoint, "200"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", unmatchedEndpoint, "200")))

	var metric dto.Metric
	histogram, ok := ResponseSize.WithLabelValues(unmatchedEndpoint).(prometheus.Histogram)
	require.True(t, ok)
	require.NoError(t, histogram.Write(&metric))
	assert.GreaterOrEqual(t, metric.GetHistogram().GetSampleCount(), uint64(1))
	assert.GreaterOrEqual(t, metric.GetHistogram().GetSampleSum(), float64(len(`{"error":"not here"}`)))
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(SubmissionsTotal.WithLabelValues("responded"))
	RecordSubmission("responded")
	assert.Equal(t, before+1, testutil.ToFloat64(SubmissionsTotal.WithLabelValues("responded")))

	before = testutil.ToFloat64(CaptchaVerificationsTotal.WithLabelValues("rejected"))
	RecordCaptchaVerification(false)
	assert.Equal(t, before+1, testutil.ToFloat64(CaptchaVerificationsTotal.WithLabelValues("rejected")))

	before = testutil.ToFloat64(EncryptionOperationsTotal.WithLabelValues("encrypt", "openpgp", "success"))
	RecordEncryptionOperation("encrypt", "openpgp", "success", 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(EncryptionOperationsTotal.WithLabelValues("encrypt", "openpgp", "success")))

	before = testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failure"))
	RecordDelivery("failure", time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failure")))

	SetRecipientKeyInfo("publickey.asc", "ABCDEF", "openpgp", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(RecipientKeysInfo.WithLabelValues("publickey.asc", "ABCDEF", "openpgp")))
}

func TestMonitoringHandler(t *testing.T) {
	handler := newHandler("/metrics")

	RecordRateLimited("send")

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/metrics", contains: "pcf_rate_limited_total"},
		{path: "/health", contains: "OK"},
		{path: "/info", contains: "pgp-contact-form"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}
