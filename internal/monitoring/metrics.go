package monitoring

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KubernetesLabels holds Kubernetes metadata labels
var (
	kubernetesNamespace = os.Getenv("KUBERNETES_NAMESPACE")
	kubernetesPodName   = os.Getenv("KUBERNETES_POD_NAME")
	helmReleaseName     = os.Getenv("HELM_RELEASE_NAME")
	helmChartVersion    = os.Getenv("HELM_CHART_VERSION")
)

// getKubernetesLabels returns the Kubernetes labels for metrics
func getKubernetesLabels() prometheus.Labels {
	labels := prometheus.Labels{}

	if kubernetesNamespace != "" {
		labels["kubernetes_namespace"] = kubernetesNamespace
	}
	if kubernetesPodName != "" {
		labels["kubernetes_pod_name"] = kubernetesPodName
	}
	if helmReleaseName != "" {
		labels["helm_release"] = helmReleaseName
	}
	if helmChartVersion != "" {
		labels["helm_chart_version"] = helmChartVersion
	}

	return labels
}

// Registry with Kubernetes labels
var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(prometheus.WrapRegistererWith(getKubernetesLabels(), registry))
)

// Prometheus metrics for the contact form service
var (
	// HTTP Request metrics
	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcf_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcf_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	ResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcf_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 6),
		},
		[]string{"endpoint"},
	)

	RateLimitedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// Submission pipeline metrics
	SubmissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_submissions_total",
			Help: "Contact submissions by terminal pipeline state",
		},
		[]string{"state"},
	)

	// Captcha metrics
	CaptchaVerificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_captcha_verifications_total",
			Help: "Captcha verifications by result",
		},
		[]string{"result"},
	)

	// Encryption metrics
	EncryptionOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_encryption_operations_total",
			Help: "Total number of encryption operations",
		},
		[]string{"operation", "backend", "status"},
	)

	EncryptionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcf_encryption_duration_seconds",
			Help:    "Encryption duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	// Delivery metrics
	DeliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcf_deliveries_total",
			Help: "Total number of SMTP deliveries",
		},
		[]string{"status"},
	)

	DeliveryDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pcf_delivery_duration_seconds",
			Help:    "SMTP delivery duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	SMTPReconnectsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "pcf_smtp_reconnects_total",
			Help: "Number of times the shared SMTP connection was re-established",
		},
	)

	// Server metrics
	ServerInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcf_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	RecipientKeysInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcf_recipient_keys_info",
			Help: "Loaded recipient keys (1 = primary, 0 = additional)",
		},
		[]string{"identity", "fingerprint", "backend"},
	)
)

// SetServerInfo sets server build information
func SetServerInfo(version, commit, buildTime string) {
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// SetRecipientKeyInfo publishes one loaded recipient key
func SetRecipientKeyInfo(identity, fingerprint, backend string, isPrimary bool) {
	value := float64(0)
	if isPrimary {
		value = 1
	}
	RecipientKeysInfo.WithLabelValues(identity, fingerprint, backend).Set(value)
}

// RecordEncryptionOperation records metrics for encryption operations
func RecordEncryptionOperation(operation, backend, status string, duration time.Duration) {
	EncryptionOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	EncryptionDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordDelivery records metrics for one SMTP delivery
func RecordDelivery(status string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryDuration.Observe(duration.Seconds())
}

// RecordSubmission records the terminal state of one pipeline run
func RecordSubmission(state string) {
	SubmissionsTotal.WithLabelValues(state).Inc()
}

// RecordCaptchaVerification records one captcha verification result
func RecordCaptchaVerification(success bool) {
	result := "rejected"
	if success {
		result = "trusted"
	}
	CaptchaVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter
func RecordRateLimited(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}

// Registry returns the registry all metrics are registered with
func Registry() *prometheus.Registry {
	return registry
}
