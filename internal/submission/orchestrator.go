// Package submission runs the contact message pipeline: validation, captcha verification,
// encryption and delivery, in that order, each attempted at most once.
package submission

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/captcha"
	encsvc "github.com/guided-traffic/pgp-contact-form/internal/encryption"
	"github.com/guided-traffic/pgp-contact-form/internal/keys"
	"github.com/guided-traffic/pgp-contact-form/internal/mailer"
	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
	"github.com/guided-traffic/pgp-contact-form/internal/validation"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// Verifier checks a captcha token
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) captcha.Result
}

// Encrypter seals plaintext for recipient keys
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, key *encryption.RecipientKey) ([]byte, error)
	EncryptForAll(ctx context.Context, plaintext []byte, keys []*encryption.RecipientKey) ([]encsvc.Sealed, error)
}

// Sender hands one envelope to the mail relay
type Sender interface {
	Send(ctx context.Context, env mailer.Envelope) error
}

// KeyRing exposes the loaded recipient keys
type KeyRing interface {
	Primary() *encryption.RecipientKey
	All() []*encryption.RecipientKey
}

// ValidateFunc checks raw request fields
type ValidateFunc func(fields map[string]interface{}) (validation.Submission, []validation.FieldError)

// Config holds pipeline settings
type Config struct {
	SiteName  string
	Sender    string
	Receivers []string
	// CaptchaEnabled requires a trusted captcha token on every submission
	CaptchaEnabled bool
	// Broadcast encrypts for every loaded key and mails each ciphertext to the
	// address named by its key file
	Broadcast bool
}

// Request is one inbound submission
type Request struct {
	Fields   map[string]interface{}
	RemoteIP string
}

// Orchestrator drives submissions through the pipeline. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	config    Config
	validate  ValidateFunc
	verifier  Verifier
	encrypter Encrypter
	sender    Sender
	keys      KeyRing
	logger    *logrus.Entry
}

// NewOrchestrator creates a new orchestrator. verifier may be nil when captcha is disabled.
func NewOrchestrator(cfg Config, verifier Verifier, encrypter Encrypter, sender Sender, keyRing KeyRing) (*Orchestrator, error) {
	if encrypter == nil || sender == nil || keyRing == nil {
		return nil, fmt.Errorf("encrypter, sender and key ring are required")
	}
	if cfg.CaptchaEnabled && verifier == nil {
		return nil, fmt.Errorf("captcha is enabled but no verifier is configured")
	}
	if !cfg.Broadcast && len(cfg.Receivers) == 0 {
		return nil, fmt.Errorf("at least one receiver is required")
	}

	return &Orchestrator{
		config:    cfg,
		validate:  validation.Validate,
		verifier:  verifier,
		encrypter: encrypter,
		sender:    sender,
		keys:      keyRing,
		logger:    logrus.WithField("component", "submission"),
	}, nil
}

// Plaintext renders the message body that gets encrypted
func Plaintext(sub validation.Submission) string {
	return "FROM: " + sub.Name + "\n\nEMAIL ADDRESS: '" + sub.Email + "'\n\nMESSAGE:\n\n" + sub.Message
}

// Handle runs one submission to a terminal state
func (o *Orchestrator) Handle(ctx context.Context, req Request) Outcome {
	outcome := o.run(ctx, req)
	monitoring.RecordSubmission(string(outcome.State))
	return outcome
}

func (o *Orchestrator) run(ctx context.Context, req Request) Outcome {
	o.enter(StateReceived)
	sub, fieldErrs := o.validate(req.Fields)
	if len(fieldErrs) > 0 {
		return Outcome{State: StateRejected, Errors: fieldErrs, Err: apperrors.ErrValidation}
	}

	if o.config.CaptchaEnabled {
		if outcome, ok := o.verify(ctx, sub, req.RemoteIP); !ok {
			return outcome
		}
	}

	plaintext := []byte(Plaintext(sub))

	if o.config.Broadcast {
		return o.broadcast(ctx, plaintext)
	}
	return o.deliverPrimary(ctx, plaintext)
}

// verify runs captcha verification; ok is false when the run is rejected
func (o *Orchestrator) verify(ctx context.Context, sub validation.Submission, remoteIP string) (Outcome, bool) {
	if errs := validation.ValidateToken(sub.Token); len(errs) > 0 {
		return Outcome{State: StateRejected, Errors: errs, Err: apperrors.ErrValidation}, false
	}

	o.logger.WithField("code", "POST_VERIFY_CAPTCHA_AWAIT").Info("Attempting to verify captcha")
	result := o.verifier.Verify(ctx, *sub.Token, remoteIP)
	o.logger.WithFields(logrus.Fields{
		"code":    "POST_VERIFY_CAPTCHA_FINISH",
		"success": result.Success,
	}).Info("Captcha verification finished")

	if !result.Success {
		return Outcome{
			State: StateRejected,
			Err:   fmt.Errorf("%w: %s", apperrors.ErrVerification, result.Reason),
		}, false
	}
	o.enter(StateVerified)
	return Outcome{State: StateVerified}, true
}

func (o *Orchestrator) deliverPrimary(ctx context.Context, plaintext []byte) Outcome {
	o.logger.WithField("code", "POST_CONTACT_ENCRYPT_AWAIT").Info("Encrypting message")
	ciphertext, err := o.encrypter.Encrypt(ctx, plaintext, o.keys.Primary())
	if err != nil {
		o.logger.WithError(err).WithField("code", "POST_CONTACT_ENCRYPT_ERROR").Error("Failed to encrypt message")
		return Outcome{State: StateFailed, Err: err}
	}
	o.logger.WithField("code", "POST_CONTACT_ENCRYPT_SUCCESS").Info("Message encrypted")
	o.enter(StateEncrypted)

	env := mailer.NewEnvelope(o.config.SiteName, o.config.Sender, o.config.Receivers, ciphertext)
	if err := o.send(ctx, env); err != nil {
		return Outcome{State: StateFailed, Err: err}
	}
	o.enter(StateDelivered)

	return Outcome{State: StateResponded}
}

// broadcast encrypts for every key before sending anything, then mails each ciphertext to the
// address derived from its key identity. Sending stops at the first failure.
func (o *Orchestrator) broadcast(ctx context.Context, plaintext []byte) Outcome {
	o.logger.WithField("code", "POST_CONTACT_ENCRYPT_AWAIT").Info("Encrypting message for all keys")
	sealed, err := o.encrypter.EncryptForAll(ctx, plaintext, o.keys.All())
	if err != nil {
		o.logger.WithError(err).WithField("code", "POST_CONTACT_ENCRYPT_ERROR").Error("Failed to encrypt message")
		return Outcome{State: StateFailed, Err: err}
	}
	o.logger.WithFields(logrus.Fields{
		"code":       "POST_CONTACT_ENCRYPT_SUCCESS",
		"recipients": len(sealed),
	}).Info("Message encrypted")
	o.enter(StateEncrypted)

	for _, s := range sealed {
		receiver := keys.RecipientAddress(s.Identity)
		env := mailer.NewEnvelope(o.config.SiteName, o.config.Sender, []string{receiver}, s.Ciphertext)
		if err := o.send(ctx, env); err != nil {
			return Outcome{State: StateFailed, Err: err}
		}
	}
	o.enter(StateDelivered)

	return Outcome{State: StateResponded}
}

func (o *Orchestrator) enter(state State) {
	o.logger.WithField("state", state).Debug("Pipeline state changed")
}

func (o *Orchestrator) send(ctx context.Context, env mailer.Envelope) error {
	o.logger.WithField("code", "POST_CONTACT_EMAIL_AWAIT").Info("Sending email")
	if err := o.sender.Send(ctx, env); err != nil {
		o.logger.WithError(err).WithField("code", "POST_CONTACT_EMAIL_ERROR").Error("Failed to send email")
		return err
	}
	o.logger.WithField("code", "POST_CONTACT_EMAIL_SUCCESS").Info("Email sent")
	return nil
}
