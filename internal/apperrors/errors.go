// Package apperrors provides centralized error definitions for the contact form service.
package apperrors

import (
	"errors"
	"fmt"
)

// Request errors. These are caused by the client and are always recoverable.
var (
	// ErrValidation indicates one or more submitted fields violated a rule.
	ErrValidation = errors.New("validation error")

	// ErrVerification indicates the anti-abuse token was missing or not trusted.
	ErrVerification = errors.New("failed to verify captcha")
)

// Backend errors. These are caused by the server side and never stop the process.
var (
	// ErrEncryption indicates the message could not be encrypted.
	ErrEncryption = errors.New("encryption failed")

	// ErrDelivery indicates the encrypted message could not be handed to the relay.
	ErrDelivery = errors.New("delivery failed")
)

// Key errors.
var (
	// ErrKeyNotFound indicates no key is stored under the requested identity.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidKey indicates a key file did not contain exactly one usable public key.
	ErrInvalidKey = errors.New("invalid key format")

	// ErrNoKeys indicates the key directory holds no keys at all.
	ErrNoKeys = errors.New("no keys loaded")
)

// ErrStartup indicates the process must not start serving traffic.
var ErrStartup = errors.New("startup failed")

// EncryptionError describes a failed encryption for one recipient key.
type EncryptionError struct {
	Backend  string
	Identity string
	Err      error
}

func (e *EncryptionError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("%s encryption for %q failed: %v", e.Backend, e.Identity, e.Err)
	}
	return fmt.Sprintf("%s encryption failed: %v", e.Backend, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Is makes every EncryptionError match ErrEncryption.
func (e *EncryptionError) Is(target error) bool {
	return target == ErrEncryption
}

// DeliveryError describes a failed hand-off to the mail relay.
type DeliveryError struct {
	// Temporary is set when the relay answered with a 4xx reply.
	Temporary bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes every DeliveryError match ErrDelivery.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// StartupError wraps a failure of one initialization phase.
type StartupError struct {
	Phase string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup phase %q failed: %v", e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is makes every StartupError match ErrStartup.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartup
}

// Startup wraps err as a StartupError for the given phase. It returns nil when err is nil.
func Startup(phase string, err error) error {
	if err == nil {
		return nil
	}
	return &StartupError{Phase: phase, Err: err}
}
