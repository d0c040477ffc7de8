// Package mailer delivers messages through one shared, authenticated SMTP connection.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
)

// TLSMode selects how the connection to the relay is secured
type TLSMode string

const (
	// TLSModeImplicit connects with TLS from the first byte (port 465)
	TLSModeImplicit TLSMode = "implicit"
	// TLSModeStartTLS upgrades a plain connection with STARTTLS (port 587)
	TLSModeStartTLS TLSMode = "starttls"
	// TLSModeNone never uses TLS; only for local relays and tests
	TLSModeNone TLSMode = "none"
)

// Config holds relay connection settings
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            TLSMode
	InsecureSkipVerify bool
	CommandTimeout     time.Duration
}

// Address returns host:port of the relay
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid smtp port: %d", c.Port)
	}
	switch c.TLSMode {
	case TLSModeImplicit, TLSModeStartTLS, TLSModeNone:
	default:
		return fmt.Errorf("invalid smtp tls mode %q (supported: implicit, starttls, none)", c.TLSMode)
	}
	return nil
}

// Mailer owns the shared relay connection. Sends are serialized; a broken connection is
// re-established on the next send.
type Mailer struct {
	config Config
	logger *logrus.Entry

	mu     sync.Mutex
	client *smtp.Client
	now    func() time.Time
}

// Dial connects to the relay, authenticates and verifies the connection with NOOP.
// Any failure here must keep the service from starting.
func Dial(ctx context.Context, cfg Config) (*Mailer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Mailer{
		config: cfg,
		logger: logrus.WithField("component", "mailer"),
		now:    time.Now,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := m.connect()
	if err != nil {
		return nil, err
	}
	m.client = client

	if err := m.Verify(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"code":     "SERVER_SMTP_CONNECTED",
		"address":  cfg.Address(),
		"tls_mode": cfg.TLSMode,
	}).Info("Connected to SMTP relay")

	return m, nil
}

// connect dials and authenticates a new client
func (m *Mailer) connect() (*smtp.Client, error) {
	addr := m.config.Address()
	tlsConfig := &tls.Config{
		ServerName:         m.config.Host,
		InsecureSkipVerify: m.config.InsecureSkipVerify, // #nosec G402 - opt-in for self-signed relays
		MinVersion:         tls.VersionTLS12,
	}

	var (
		client *smtp.Client
		err    error
	)
	switch m.config.TLSMode {
	case TLSModeImplicit:
		client, err = smtp.DialTLS(addr, tlsConfig)
	case TLSModeStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to smtp relay %s: %w", addr, err)
	}

	if m.config.CommandTimeout > 0 {
		client.CommandTimeout = m.config.CommandTimeout
		client.SubmissionTimeout = m.config.CommandTimeout
	}

	if m.config.Username != "" {
		auth := sasl.NewPlainClient("", m.config.Username, m.config.Password)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	return client, nil
}

// Verify checks that the relay still answers on the shared connection
func (m *Mailer) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return fmt.Errorf("smtp connection is closed")
	}
	if err := m.client.Noop(); err != nil {
		return fmt.Errorf("smtp relay did not answer NOOP: %w", err)
	}
	return nil
}

// Send delivers env in a single MAIL/RCPT/DATA transaction. It never retries. Failures are
// returned as *apperrors.DeliveryError.
func (m *Mailer) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return &apperrors.DeliveryError{Err: err}
	}
	if err := env.validate(); err != nil {
		return &apperrors.DeliveryError{Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The request may have been cancelled while waiting for the lock.
	if err := ctx.Err(); err != nil {
		return &apperrors.DeliveryError{Err: err}
	}

	start := time.Now()
	err := m.send(env)
	if err != nil {
		monitoring.RecordDelivery("failure", time.Since(start))
		return err
	}

	monitoring.RecordDelivery("success", time.Since(start))
	m.logger.WithFields(logrus.Fields{
		"receivers": len(env.To),
		"size":      len(env.Body),
	}).Debug("Message accepted by relay")
	return nil
}

// send runs the transaction; the caller holds m.mu
func (m *Mailer) send(env Envelope) error {
	if err := m.ensureConnection(); err != nil {
		return &apperrors.DeliveryError{Temporary: true, Err: err}
	}

	if err := m.transaction(env); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			// The relay refused the message but the session is intact.
			if resetErr := m.client.Reset(); resetErr != nil {
				m.dropConnection(resetErr)
			}
			return &apperrors.DeliveryError{Temporary: smtpErr.Temporary(), Err: err}
		}

		m.dropConnection(err)
		return &apperrors.DeliveryError{Temporary: true, Err: err}
	}

	return nil
}

// ensureConnection checks the shared connection with NOOP and redials when the relay has
// dropped it, typically after an idle timeout. Nothing has been sent at this point, so the
// redial is not a delivery retry. The caller holds m.mu.
func (m *Mailer) ensureConnection() error {
	if m.client != nil {
		err := m.client.Noop()
		if err == nil {
			return nil
		}
		m.dropConnection(err)
	}

	client, err := m.connect()
	if err != nil {
		m.logger.WithError(err).Error("Failed to re-establish SMTP connection")
		return err
	}
	m.client = client
	monitoring.SMTPReconnectsTotal.Inc()
	m.logger.WithField("address", m.config.Address()).Info("Re-established SMTP connection")
	return nil
}

func (m *Mailer) transaction(env Envelope) error {
	if err := m.client.Mail(env.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range env.To {
		if err := m.client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}

	w, err := m.client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(formatMessage(env, m.now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return nil
}

// dropConnection closes a connection that can no longer be trusted; the next send redials
func (m *Mailer) dropConnection(cause error) {
	m.logger.WithError(cause).Warn("SMTP connection lost, will reconnect on next send")
	_ = m.client.Close()
	m.client = nil
}

// Close sends QUIT and closes the shared connection
func (m *Mailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}

	err := m.client.Quit()
	if err != nil {
		_ = m.client.Close()
	}
	m.client = nil
	return err
}
