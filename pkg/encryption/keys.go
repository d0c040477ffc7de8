package encryption

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

// ReadArmoredPublicKey parses an armored key block that must contain exactly one
// public key able to encrypt.
func ReadArmoredPublicKey(r io.Reader) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse armored key: %w", err)
	}

	if len(entities) != 1 {
		return nil, fmt.Errorf("expected exactly one key, found %d", len(entities))
	}

	entity := entities[0]
	if !canEncrypt(entity) {
		return nil, fmt.Errorf("key %s has no encryption-capable key", Fingerprint(entity))
	}

	return entity, nil
}

// Fingerprint returns the upper-case hex fingerprint of the entity's primary key
func Fingerprint(entity *openpgp.Entity) string {
	if entity == nil || entity.PrimaryKey == nil {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint[:]))
}

func canEncrypt(entity *openpgp.Entity) bool {
	for _, subkey := range entity.Subkeys {
		if subkey.PublicKey != nil && subkey.PublicKey.PubKeyAlgo.CanEncrypt() {
			return true
		}
	}
	return entity.PrimaryKey != nil && entity.PrimaryKey.PubKeyAlgo.CanEncrypt()
}

// GenerateKeyPair creates a new RSA OpenPGP entity with a signing primary key and an
// encryption subkey. bits <= 0 selects the library default.
func GenerateKeyPair(name, email string, bits int) (*openpgp.Entity, error) {
	config := &packet.Config{RSABits: bits}

	entity, err := openpgp.NewEntity(name, "", email, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	// SerializePrivate self-signs the identities and the encryption subkey
	if err := entity.SerializePrivate(io.Discard, config); err != nil {
		return nil, fmt.Errorf("failed to self-sign key pair: %w", err)
	}

	return entity, nil
}

// ArmorPublicKey serializes the public half of entity as an armored key block
func ArmorPublicKey(entity *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor encoder: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close armor encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// ArmorPrivateKey serializes entity including its private keys as an armored key block
func ArmorPrivateKey(entity *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor encoder: %w", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return nil, fmt.Errorf("failed to serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close armor encoder: %w", err)
	}
	return buf.Bytes(), nil
}
