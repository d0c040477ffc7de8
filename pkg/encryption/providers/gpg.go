package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

// DefaultGPGBinary is looked up on PATH when no binary is configured
const DefaultGPGBinary = "gpg"

// GPGConfig represents the configuration for the external gpg provider
type GPGConfig struct {
	Binary  string `json:"binary"`
	HomeDir string `json:"homedir"`
}

// CommandRunner runs name with args, feeding stdin and capturing stdout and stderr
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)

// GPGProvider encrypts by running the system gpg executable. The plaintext is passed on
// standard input and the armored ciphertext is read from standard output.
type GPGProvider struct {
	binary  string
	homeDir string
	run     CommandRunner
	logger  *logrus.Entry
}

// NewGPGProvider creates a new gpg provider
func NewGPGProvider(config *GPGConfig) (*GPGProvider, error) {
	p := &GPGProvider{
		binary: DefaultGPGBinary,
		run:    execRunner,
		logger: logrus.WithField("component", "gpg-provider"),
	}

	if config != nil {
		if config.Binary != "" {
			p.binary = config.Binary
		}
		p.homeDir = config.HomeDir
	}

	return p, nil
}

// SetRunner replaces the command runner
func (p *GPGProvider) SetRunner(run CommandRunner) {
	p.run = run
}

// Available reports whether the configured binary can be found
func (p *GPGProvider) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("gpg binary %q not found: %w", p.binary, err)
	}
	return nil
}

// Encrypt encrypts plaintext to the key file at key.Path
func (p *GPGProvider) Encrypt(ctx context.Context, plaintext []byte, key *encryption.RecipientKey) ([]byte, error) {
	if key == nil || key.Path == "" {
		return nil, fmt.Errorf("recipient key file is missing")
	}

	stdout, stderr, err := p.run(ctx, plaintext, p.binary, p.args(key)...)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"identity": key.Identity,
			"stderr":   strings.TrimSpace(string(stderr)),
		}).Warn("gpg encryption failed")
		return nil, fmt.Errorf("gpg failed: %w", err)
	}

	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, fmt.Errorf("gpg produced no output")
	}

	return stdout, nil
}

// Type returns the provider type
func (p *GPGProvider) Type() encryption.EncryptionType {
	return encryption.EncryptionTypeGPG
}

func (p *GPGProvider) args(key *encryption.RecipientKey) []string {
	args := []string{"--batch", "--yes", "--no-tty", "--quiet"}
	if p.homeDir != "" {
		args = append(args, "--homedir", p.homeDir)
	}
	return append(args,
		"--trust-model", "always",
		"--armor",
		"--output", "-",
		"--recipient-file", key.Path,
		"--encrypt",
	)
}

// execRunner is the CommandRunner backed by os/exec. Cancelling ctx kills the process.
func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
