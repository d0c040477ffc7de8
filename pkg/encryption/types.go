package encryption

import (
	"golang.org/x/crypto/openpgp"
)

// EncryptionType represents the backend used to encrypt messages
type EncryptionType string

const (
	// EncryptionTypeOpenPGP encrypts in-process with golang.org/x/crypto/openpgp
	EncryptionTypeOpenPGP EncryptionType = "openpgp"

	// EncryptionTypeGPG shells out to the system gpg executable
	EncryptionTypeGPG EncryptionType = "gpg"
)

// ArmorBlockType is the armor header of an encrypted OpenPGP message
const ArmorBlockType = "PGP MESSAGE"

// RecipientKey is a parsed recipient public key loaded from the key directory.
// It is immutable once loaded.
type RecipientKey struct {
	// Identity is the name of the file the key was loaded from
	Identity string

	// Path is the absolute path of the key file; the gpg backend reads it directly
	Path string

	// Fingerprint is the upper-case hex fingerprint of the primary key
	Fingerprint string

	// Entity is the parsed key material used by the in-process backend
	Entity *openpgp.Entity
}

// Emails returns the email addresses of the key's user ids
func (k *RecipientKey) Emails() []string {
	if k == nil || k.Entity == nil {
		return nil
	}
	emails := make([]string, 0, len(k.Entity.Identities))
	for _, identity := range k.Entity.Identities {
		if identity.UserId != nil && identity.UserId.Email != "" {
			emails = append(emails, identity.UserId.Email)
		}
	}
	return emails
}
