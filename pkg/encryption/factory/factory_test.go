package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption/providers"
)

func TestTypeFromSystemGPG(t *testing.T) {
	assert.Equal(t, encryption.EncryptionTypeGPG, TypeFromSystemGPG(true))
	assert.Equal(t, encryption.EncryptionTypeOpenPGP, TypeFromSystemGPG(false))
}

func TestFactory_CreateEncryptor(t *testing.T) {
	factory := &Factory{skipAvailabilityCheck: true}

	tests := []struct {
		name        string
		encType     encryption.EncryptionType
		config      map[string]interface{}
		expectType  encryption.EncryptionType
		expectError bool
	}{
		{
			name:       "openpgp without config",
			encType:    encryption.EncryptionTypeOpenPGP,
			expectType: encryption.EncryptionTypeOpenPGP,
		},
		{
			name:       "openpgp with cipher",
			encType:    encryption.EncryptionTypeOpenPGP,
			config:     map[string]interface{}{"cipher": "aes256"},
			expectType: encryption.EncryptionTypeOpenPGP,
		},
		{
			name:        "openpgp with unknown cipher",
			encType:     encryption.EncryptionTypeOpenPGP,
			config:      map[string]interface{}{"cipher": "rot13"},
			expectError: true,
		},
		{
			name:       "gpg with binary",
			encType:    encryption.EncryptionTypeGPG,
			config:     map[string]interface{}{"binary": "/usr/bin/gpg", "homedir": "/tmp/gnupg"},
			expectType: encryption.EncryptionTypeGPG,
		},
		{
			name:        "gpg with malformed config",
			encType:     encryption.EncryptionTypeGPG,
			config:      map[string]interface{}{"binary": 42},
			expectError: true,
		},
		{
			name:        "unknown type",
			encType:     encryption.EncryptionType("rot13"),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encryptor, err := factory.CreateEncryptor(tt.encType, tt.config)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, encryptor)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectType, encryptor.Type())
		})
	}
}

func TestFactory_GPGBinaryMissing(t *testing.T) {
	factory := NewFactory()

	encryptor, err := factory.CreateEncryptor(encryption.EncryptionTypeGPG, map[string]interface{}{
		"binary": "definitely-not-a-gpg-binary",
	})
	assert.Error(t, err)
	assert.Nil(t, encryptor)
	assert.Contains(t, err.Error(), "not found")
}

func TestFactory_GPGProviderIsConfigured(t *testing.T) {
	factory := &Factory{skipAvailabilityCheck: true}

	encryptor, err := factory.CreateEncryptor(encryption.EncryptionTypeGPG, nil)
	require.NoError(t, err)

	_, ok := encryptor.(*providers.GPGProvider)
	assert.True(t, ok)
}
