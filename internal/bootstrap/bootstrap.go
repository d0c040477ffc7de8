// Package bootstrap assembles the service from configuration. Every initialization phase
// either succeeds or returns an apperrors.StartupError naming the phase.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/captcha"
	"github.com/guided-traffic/pgp-contact-form/internal/config"
	encsvc "github.com/guided-traffic/pgp-contact-form/internal/encryption"
	"github.com/guided-traffic/pgp-contact-form/internal/keys"
	"github.com/guided-traffic/pgp-contact-form/internal/logging"
	"github.com/guided-traffic/pgp-contact-form/internal/mailer"
	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
	"github.com/guided-traffic/pgp-contact-form/internal/server"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/health"
	"github.com/guided-traffic/pgp-contact-form/internal/submission"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption/factory"
)

// Startup phases, in order
const (
	PhaseLogging    = "logging"
	PhaseKeys       = "keys"
	PhaseEncryption = "encryption"
	PhaseCaptcha    = "captcha"
	PhaseSMTP       = "smtp"
	PhasePipeline   = "pipeline"
	PhaseServer     = "server"
)

// App is a fully wired service ready to serve
type App struct {
	Config     *config.Config
	Keys       *keys.Store
	Encryption *encsvc.Service
	Server     *server.Server
	// Monitoring is nil when the metrics server is disabled
	Monitoring *monitoring.Server

	mailer  *mailer.Mailer
	closers []io.Closer
	logger  *logrus.Entry
}

// Build runs every startup phase. On failure everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, build health.BuildInfo) (*App, error) {
	app := &App{
		Config: cfg,
		logger: logrus.WithField("component", "bootstrap"),
	}

	if err := app.build(ctx, build); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, build health.BuildInfo) error {
	cfg := a.Config

	logCloser, err := logging.Setup(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		ErrorFile: cfg.LogErrorFile,
	})
	if err != nil {
		return apperrors.Startup(PhaseLogging, err)
	}
	a.closers = append(a.closers, logCloser)

	monitoring.SetServerInfo(build.Version, build.Commit, build.BuildTime)

	a.Keys, err = keys.Load(cfg.Encryption.KeysDir, cfg.Encryption.PrimaryKeyFile)
	if err != nil {
		return apperrors.Startup(PhaseKeys, err)
	}

	encType := factory.TypeFromSystemGPG(cfg.Encryption.UseSystemGPG)
	encryptor, err := factory.NewFactory().CreateEncryptor(encType, cfg.EncryptorConfig())
	if err != nil {
		return apperrors.Startup(PhaseEncryption, err)
	}
	a.Encryption, err = encsvc.NewService(encryptor)
	if err != nil {
		return apperrors.Startup(PhaseEncryption, err)
	}

	backend := string(a.Encryption.Backend())
	primary := a.Keys.Primary()
	for _, key := range a.Keys.All() {
		monitoring.SetRecipientKeyInfo(key.Identity, key.Fingerprint, backend, key == primary)
	}
	a.logger.WithFields(logrus.Fields{
		"backend":     backend,
		"keys_dir":    a.Keys.Dir(),
		"keys":        a.Keys.Len(),
		"primary":     primary.Identity,
		"fingerprint": primary.Fingerprint,
	}).Info("Encryption ready")

	// Assigned only when enabled so the orchestrator sees a nil interface otherwise
	var verifier submission.Verifier
	if cfg.Captcha.Enabled {
		v, err := captcha.NewVerifier(captcha.Config{
			Secret:    cfg.Captcha.Secret,
			SiteKey:   cfg.Captcha.SiteKey,
			VerifyURL: cfg.Captcha.VerifyURL,
			Timeout:   cfg.Captcha.Timeout,
		})
		if err != nil {
			return apperrors.Startup(PhaseCaptcha, err)
		}
		verifier = v
	} else {
		a.logger.Warn("Captcha verification is disabled")
	}

	a.mailer, err = mailer.Dial(ctx, MailerConfig(cfg))
	if err != nil {
		return apperrors.Startup(PhaseSMTP, err)
	}

	orchestrator, err := submission.NewOrchestrator(submission.Config{
		SiteName:       cfg.SiteName,
		Sender:         cfg.SMTP.Sender,
		Receivers:      cfg.SMTP.Receivers,
		CaptchaEnabled: cfg.Captcha.Enabled,
		Broadcast:      cfg.Encryption.Broadcast,
	}, verifier, a.Encryption, a.mailer, a.Keys)
	if err != nil {
		return apperrors.Startup(PhasePipeline, err)
	}

	a.Server, err = server.NewServer(cfg, orchestrator, build)
	if err != nil {
		return apperrors.Startup(PhaseServer, err)
	}

	if cfg.Monitoring.Enabled {
		a.Monitoring = monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
	}

	return nil
}

// MailerConfig maps the SMTP section onto the mailer configuration
func MailerConfig(cfg *config.Config) mailer.Config {
	return mailer.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.User,
		Password:           cfg.SMTP.Pass,
		TLSMode:            mailer.TLSMode(strings.ToLower(cfg.SMTP.TLSMode)),
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		CommandTimeout:     cfg.SMTP.CommandTimeout,
	}
}

// Run serves until ctx is cancelled and then releases every resource
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if err := a.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to release resources")
		}
	}()

	monitoringDone := make(chan error, 1)
	if a.Monitoring != nil {
		go func() { monitoringDone <- a.Monitoring.Start(ctx) }()
	} else {
		monitoringDone <- nil
	}

	serverErr := a.Server.Start(ctx)

	// The metrics server must not outlive the public listener
	cancel()
	if err := <-monitoringDone; err != nil {
		a.logger.WithError(err).Warn("Monitoring server did not stop cleanly")
	}

	if serverErr != nil {
		return fmt.Errorf("server failed: %w", serverErr)
	}
	return nil
}

// Close closes the relay connection and the error log. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.mailer != nil {
		errs = append(errs, a.mailer.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
