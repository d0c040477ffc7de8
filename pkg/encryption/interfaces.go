package encryption

import (
	"context"
)

// Encryptor encrypts a plaintext for exactly one recipient public key
type Encryptor interface {
	// Encrypt returns an ASCII-armored OpenPGP message readable only by the holder of
	// the private half of key. Implementations never return an empty ciphertext together
	// with a nil error.
	Encrypt(ctx context.Context, plaintext []byte, key *RecipientKey) ([]byte, error)

	// Type returns the backend identifier (e.g., "openpgp", "gpg")
	Type() EncryptionType
}
