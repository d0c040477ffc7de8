package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
)

// RateLimitMessage is returned with every 429 response
const RateLimitMessage = "Too many requests, please try again later."

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP with a token bucket that holds requests tokens
// and refills completely over window
type RateLimiter struct {
	scope    string
	limit    rate.Limit
	burst    int
	window   time.Duration
	logger   *logrus.Entry
	now      func() time.Time
	mu       sync.Mutex
	clients  map[string]*client
	lastScan time.Time
	exempt   map[string]bool
}

// NewRateLimiter creates a new rate limiting middleware
func NewRateLimiter(logger *logrus.Entry, scope string, requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	return &RateLimiter{
		scope:   scope,
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		window:  window,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Exempt lets requests for the given paths through without spending a token
func (rl *RateLimiter) Exempt(paths ...string) *RateLimiter {
	if rl.exempt == nil {
		rl.exempt = make(map[string]bool, len(paths))
	}
	for _, path := range paths {
		rl.exempt[path] = true
	}
	return rl
}

// Allow reports whether a request from ip may proceed and, if not, how long to wait
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictIdle(now)

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	reservation := c.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// evictIdle drops clients whose bucket has been full for a whole window; the caller holds mu
func (rl *RateLimiter) evictIdle(now time.Time) {
	if now.Sub(rl.lastScan) < rl.window {
		return
	}
	rl.lastScan = now

	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) >= rl.window {
			delete(rl.clients, ip)
		}
	}
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)

		if ok, retryAfter := rl.Allow(ip); !ok {
			monitoring.RecordRateLimited(rl.scope)
			rl.logger.WithFields(logrus.Fields{
				"scope":       rl.scope,
				"remote_addr": ip,
				"retry_after": retryAfter,
			}).Warn("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": RateLimitMessage})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
