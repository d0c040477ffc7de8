package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// unmatchedEndpoint labels requests that reached the middleware without a route template
const unmatchedEndpoint = "unmatched"

// responseRecorder captures the status code and body size of a response
type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.size += n
	return n, err
}

// endpointLabel returns the route template so path parameters never become label values
func endpointLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedEndpoint
	}
	template, err := route.GetPathTemplate()
	if err != nil {
		return unmatchedEndpoint
	}
	return template
}

// HTTPMiddleware records request count, latency and response size per route
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RequestsInFlight.Inc()
		defer RequestsInFlight.Dec()

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)

		endpoint := endpointLabel(r)
		RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(recorder.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		ResponseSize.WithLabelValues(endpoint).Observe(float64(recorder.size))
	})
}
