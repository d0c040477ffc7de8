package factory

import (
	"encoding/json"
	"fmt"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption/providers"
)

// Factory creates the encryption backend selected by configuration
type Factory struct {
	// skipAvailabilityCheck disables the gpg binary lookup (tests only)
	skipAvailabilityCheck bool
}

// NewFactory creates a new backend factory
func NewFactory() *Factory {
	return &Factory{}
}

// TypeFromSystemGPG maps the USE_SYS_GPG switch to a backend type
func TypeFromSystemGPG(useSystemGPG bool) encryption.EncryptionType {
	if useSystemGPG {
		return encryption.EncryptionTypeGPG
	}
	return encryption.EncryptionTypeOpenPGP
}

// CreateEncryptor creates an encryptor of the given type from a raw config map
func (f *Factory) CreateEncryptor(encType encryption.EncryptionType, configData map[string]interface{}) (encryption.Encryptor, error) {
	switch encType {
	case encryption.EncryptionTypeOpenPGP:
		return f.createOpenPGPFromMap(configData)
	case encryption.EncryptionTypeGPG:
		return f.createGPGFromMap(configData)
	default:
		return nil, fmt.Errorf("unsupported encryption type: %s (supported: openpgp, gpg)", encType)
	}
}

// createOpenPGPFromMap creates the in-process provider from a config map
func (f *Factory) createOpenPGPFromMap(configData map[string]interface{}) (encryption.Encryptor, error) {
	var config providers.OpenPGPConfig
	if err := decodeConfig(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to decode openpgp config: %w", err)
	}

	provider, err := providers.NewOpenPGPProvider(&config)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// createGPGFromMap creates the external gpg provider from a config map and checks that
// the binary is reachable, so a missing executable fails at startup rather than per request
func (f *Factory) createGPGFromMap(configData map[string]interface{}) (encryption.Encryptor, error) {
	var config providers.GPGConfig
	if err := decodeConfig(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to decode gpg config: %w", err)
	}

	provider, err := providers.NewGPGProvider(&config)
	if err != nil {
		return nil, err
	}

	if !f.skipAvailabilityCheck {
		if err := provider.Available(); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

// decodeConfig converts a map to a typed config via JSON for type safety
func decodeConfig(configData map[string]interface{}, target interface{}) error {
	if len(configData) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal config data: %w", err)
	}

	return json.Unmarshal(jsonData, target)
}
