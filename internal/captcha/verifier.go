// Package captcha verifies hCaptcha response tokens against the siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
)

// DefaultVerifyURL is the hCaptcha siteverify endpoint
const DefaultVerifyURL = "https://api.hcaptcha.com/siteverify"

// maxResponseBytes caps how much of the siteverify reply is read
const maxResponseBytes = 64 << 10

// Result is the outcome of one verification. Success is false whenever the token could not be
// shown to be trusted, including when the provider could not be reached.
type Result struct {
	Success bool
	Reason  string
}

// Config holds verifier configuration
type Config struct {
	Secret    string
	SiteKey   string
	VerifyURL string
	Timeout   time.Duration
}

// Verifier checks tokens with the hCaptcha service
type Verifier struct {
	secret     string
	siteKey    string
	verifyURL  string
	httpClient *http.Client
	logger     *logrus.Entry
}

// siteverifyResponse is the JSON body returned by siteverify
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// NewVerifier creates a new verifier
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("captcha secret is required")
	}

	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if _, err := url.ParseRequestURI(verifyURL); err != nil {
		return nil, fmt.Errorf("invalid captcha verify URL %q: %w", verifyURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Verifier{
		secret:    cfg.Secret,
		siteKey:   cfg.SiteKey,
		verifyURL: verifyURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logrus.WithField("component", "captcha"),
	}, nil
}

// Verify asks the provider whether token is trusted. It never returns an error: any transport,
// status or decoding failure yields an untrusted result.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) Result {
	result := v.verify(ctx, token, remoteIP)
	monitoring.RecordCaptchaVerification(result.Success)

	logger := v.logger.WithField("success", result.Success)
	if !result.Success {
		logger = logger.WithField("reason", result.Reason)
	}
	logger.Debug("Captcha verification finished")

	return result
}

func (v *Verifier) verify(ctx context.Context, token, remoteIP string) Result {
	if token == "" {
		return Result{Reason: "missing-input-response"}
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	if v.siteKey != "" {
		form.Set("sitekey", v.siteKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.WithError(err).Warn("Captcha provider unreachable")
		return Result{Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Reason: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.logger.WithField("status_code", resp.StatusCode).Warn("Captcha provider returned an error status")
		return Result{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var parsed siteverifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Reason: fmt.Sprintf("failed to decode response: %v", err)}
	}

	if !parsed.Success {
		reason := "rejected"
		if len(parsed.ErrorCodes) > 0 {
			reason = strings.Join(parsed.ErrorCodes, ",")
		}
		return Result{Reason: reason}
	}

	return Result{Success: true}
}
