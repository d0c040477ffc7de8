package providers

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// OpenPGPConfig represents the configuration for the in-process provider
type OpenPGPConfig struct {
	// Cipher selects the symmetric cipher; empty uses the library default (AES-128)
	Cipher string `json:"cipher"`
}

// OpenPGPProvider encrypts entirely in-process with golang.org/x/crypto/openpgp
type OpenPGPProvider struct {
	packetConfig *packet.Config
}

// NewOpenPGPProvider creates a new in-process OpenPGP provider
func NewOpenPGPProvider(config *OpenPGPConfig) (*OpenPGPProvider, error) {
	packetConfig := &packet.Config{}

	if config != nil && config.Cipher != "" {
		cipher, err := parseCipher(config.Cipher)
		if err != nil {
			return nil, err
		}
		packetConfig.DefaultCipher = cipher
	}

	return &OpenPGPProvider{packetConfig: packetConfig}, nil
}

// Encrypt encrypts plaintext to key and returns an armored OpenPGP message
func (p *OpenPGPProvider) Encrypt(ctx context.Context, plaintext []byte, key *encryption.RecipientKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if key == nil || key.Entity == nil {
		return nil, fmt.Errorf("recipient key material is missing")
	}

	var buf bytes.Buffer
	armorWriter, err := armor.Encode(&buf, encryption.ArmorBlockType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor encoder: %w", err)
	}

	plaintextWriter, err := openpgp.Encrypt(armorWriter, []*openpgp.Entity{key.Entity}, nil, nil, p.packetConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}

	if _, err := plaintextWriter.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}

	if err := plaintextWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish encryption: %w", err)
	}

	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish armor: %w", err)
	}

	return buf.Bytes(), nil
}

// Type returns the provider type
func (p *OpenPGPProvider) Type() encryption.EncryptionType {
	return encryption.EncryptionTypeOpenPGP
}

func parseCipher(name string) (packet.CipherFunction, error) {
	switch name {
	case "aes128":
		return packet.CipherAES128, nil
	case "aes192":
		return packet.CipherAES192, nil
	case "aes256":
		return packet.CipherAES256, nil
	default:
		return 0, fmt.Errorf("unsupported cipher: %s (supported: aes128, aes192, aes256)", name)
	}
}
