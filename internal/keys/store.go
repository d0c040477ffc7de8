// Package keys loads recipient public keys from a directory of armored key files.
// One file holds one key; the file name is the recipient identity.
package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// DefaultPrimaryKeyFile is the key used for single-recipient delivery
const DefaultPrimaryKeyFile = "publickey.asc"

// Store holds every key loaded from the key directory. It is read-only after Load.
type Store struct {
	dir     string
	primary *encryption.RecipientKey
	byID    map[string]*encryption.RecipientKey
	sorted  []*encryption.RecipientKey
}

// Load reads every regular, non-hidden file in dir. Each file must parse into exactly one
// public key able to encrypt, and primary must name one of them.
func Load(dir, primary string) (*Store, error) {
	logger := logrus.WithField("component", "key-store")

	if primary == "" {
		primary = DefaultPrimaryKeyFile
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key directory %q: %w", dir, err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory %q: %w", absDir, err)
	}

	store := &Store{
		dir:  absDir,
		byID: make(map[string]*encryption.RecipientKey),
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		key, err := loadKeyFile(filepath.Join(absDir, entry.Name()))
		if err != nil {
			return nil, err
		}

		store.byID[key.Identity] = key
		store.sorted = append(store.sorted, key)

		logger.WithFields(logrus.Fields{
			"identity":    key.Identity,
			"fingerprint": key.Fingerprint,
		}).Debug("Loaded public key")
	}

	if len(store.sorted) == 0 {
		return nil, fmt.Errorf("%w in %s", apperrors.ErrNoKeys, absDir)
	}

	sort.Slice(store.sorted, func(i, j int) bool {
		return store.sorted[i].Identity < store.sorted[j].Identity
	})

	key, ok := store.byID[primary]
	if !ok {
		return nil, fmt.Errorf("primary key %q: %w in %s", primary, apperrors.ErrKeyNotFound, absDir)
	}
	store.primary = key

	logger.WithFields(logrus.Fields{
		"directory": absDir,
		"count":     len(store.sorted),
		"primary":   primary,
	}).Info("Public keys loaded")

	return store, nil
}

func loadKeyFile(path string) (*encryption.RecipientKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file %q: %w", path, err)
	}
	defer f.Close()

	entity, err := encryption.ReadArmoredPublicKey(f)
	if err != nil {
		return nil, fmt.Errorf("key file %q: %w: %v", filepath.Base(path), apperrors.ErrInvalidKey, err)
	}

	return &encryption.RecipientKey{
		Identity:    filepath.Base(path),
		Path:        path,
		Fingerprint: encryption.Fingerprint(entity),
		Entity:      entity,
	}, nil
}

// Dir returns the absolute key directory
func (s *Store) Dir() string {
	return s.dir
}

// Primary returns the single-recipient key
func (s *Store) Primary() *encryption.RecipientKey {
	return s.primary
}

// Lookup returns the key loaded from the file named identity
func (s *Store) Lookup(identity string) (*encryption.RecipientKey, bool) {
	key, ok := s.byID[identity]
	return key, ok
}

// All returns every key ordered by identity
func (s *Store) All() []*encryption.RecipientKey {
	keys := make([]*encryption.RecipientKey, len(s.sorted))
	copy(keys, s.sorted)
	return keys
}

// Len returns the number of loaded keys
func (s *Store) Len() int {
	return len(s.sorted)
}

// RecipientAddress derives the delivery address from a key identity by stripping a
// known key file extension ("alice@example.com.asc" -> "alice@example.com").
func RecipientAddress(identity string) string {
	for _, ext := range []string{".asc", ".gpg", ".pub", ".key"} {
		if strings.HasSuffix(strings.ToLower(identity), ext) {
			return identity[:len(identity)-len(ext)]
		}
	}
	return identity
}
