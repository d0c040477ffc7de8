// Package testutil holds helpers shared by package tests: throwaway OpenPGP keys and
// decryption of armored test ciphertexts.
package testutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// testKeyBits keeps key generation fast; never use keys this small outside tests
const testKeyBits = 1024

var (
	keyCacheMu sync.Mutex
	keyCache   = map[string]*openpgp.Entity{}
)

// KeyPair returns a throwaway key pair for email, generated once per test binary
func KeyPair(t testing.TB, email string) *openpgp.Entity {
	t.Helper()

	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()

	if entity, ok := keyCache[email]; ok {
		return entity
	}

	entity, err := encryption.GenerateKeyPair("Test Recipient", email, testKeyBits)
	require.NoError(t, err)
	keyCache[email] = entity
	return entity
}

// WritePublicKey writes the armored public key of entity to dir/filename and returns the path
func WritePublicKey(t testing.TB, dir, filename string, entity *openpgp.Entity) string {
	t.Helper()

	armored, err := encryption.ArmorPublicKey(entity)
	require.NoError(t, err)

	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, armored, 0o600))
	return path
}

// RecipientKey builds a RecipientKey for entity whose public key lives in dir/filename
func RecipientKey(t testing.TB, dir, filename string, entity *openpgp.Entity) *encryption.RecipientKey {
	t.Helper()

	path := WritePublicKey(t, dir, filename, entity)
	return &encryption.RecipientKey{
		Identity:    filename,
		Path:        path,
		Fingerprint: encryption.Fingerprint(entity),
		Entity:      entity,
	}
}

// Decrypt decodes an armored OpenPGP message and decrypts it with entity's private key
func Decrypt(t testing.TB, ciphertext []byte, entity *openpgp.Entity) string {
	t.Helper()

	block, err := armor.Decode(bytes.NewReader(ciphertext))
	require.NoError(t, err)
	require.Equal(t, encryption.ArmorBlockType, block.Type)

	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{entity}, nil, nil)
	require.NoError(t, err)

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)
	return string(plaintext)
}
