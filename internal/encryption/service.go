// Package encryption wraps the configured encryption backend for the submission pipeline.
package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/monitoring"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// Sealed is the ciphertext produced for one recipient key
type Sealed struct {
	Identity   string
	Ciphertext []byte
}

// Service encrypts plaintext for recipient keys using a single backend chosen at startup
type Service struct {
	encryptor encryption.Encryptor
	logger    *logrus.Entry
}

// NewService creates a new encryption service around the given backend
func NewService(encryptor encryption.Encryptor) (*Service, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor cannot be nil")
	}

	logger := logrus.WithField("component", "encryption-service")
	logger.WithField("backend", encryptor.Type()).Info("Initialized encryption service")

	return &Service{
		encryptor: encryptor,
		logger:    logger,
	}, nil
}

// Backend returns the type of the wrapped backend
func (s *Service) Backend() encryption.EncryptionType {
	return s.encryptor.Type()
}

// Encrypt encrypts plaintext for a single recipient key. Every failure is returned as an
// *apperrors.EncryptionError.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, key *encryption.RecipientKey) ([]byte, error) {
	backend := string(s.encryptor.Type())
	identity := ""
	if key != nil {
		identity = key.Identity
	}

	logger := s.logger.WithFields(logrus.Fields{
		"backend":  backend,
		"identity": identity,
	})

	fail := func(err error, start time.Time) ([]byte, error) {
		monitoring.RecordEncryptionOperation("encrypt", backend, "error", time.Since(start))
		logger.WithError(err).Error("Encryption failed")
		return nil, &apperrors.EncryptionError{Backend: backend, Identity: identity, Err: err}
	}

	start := time.Now()

	if key == nil {
		return fail(errors.New("recipient key cannot be nil"), start)
	}

	ciphertext, err := s.encryptor.Encrypt(ctx, plaintext, key)
	if err != nil {
		return fail(err, start)
	}
	if len(bytes.TrimSpace(ciphertext)) == 0 {
		return fail(errors.New("backend returned empty ciphertext"), start)
	}

	duration := time.Since(start)
	monitoring.RecordEncryptionOperation("encrypt", backend, "success", duration)
	logger.WithFields(logrus.Fields{
		"plaintext_size":  len(plaintext),
		"ciphertext_size": len(ciphertext),
		"duration":        duration,
	}).Debug("Encrypted message")

	return ciphertext, nil
}

// EncryptForAll encrypts plaintext once per key, in order. It stops at the first failure and
// then returns no ciphertexts at all.
func (s *Service) EncryptForAll(ctx context.Context, plaintext []byte, keys []*encryption.RecipientKey) ([]Sealed, error) {
	if len(keys) == 0 {
		return nil, &apperrors.EncryptionError{
			Backend: string(s.encryptor.Type()),
			Err:     apperrors.ErrNoKeys,
		}
	}

	sealed := make([]Sealed, 0, len(keys))
	for _, key := range keys {
		ciphertext, err := s.Encrypt(ctx, plaintext, key)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, Sealed{Identity: key.Identity, Ciphertext: ciphertext})
	}

	s.logger.WithField("recipients", len(sealed)).Debug("Encrypted message for all keys")
	return sealed, nil
}
