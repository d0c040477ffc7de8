package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/guided-traffic/pgp-contact-form/pkg/encryption"
)

var (
	name       string
	email      string
	bits       int
	publicOut  string
	privateOut string

	rootCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate an OpenPGP key pair for receiving contact form messages",
		Long: `keygen creates an RSA OpenPGP key pair. The public key goes into the service's key
directory; keep the private key with the mailbox owner and import it into their mail client.

In broadcast mode the public key file name is the recipient address, so name it after the
mailbox, for example keys/owner@example.com.asc.`,
		Args: cobra.NoArgs,
		RunE: run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&name, "name", "Contact Form", "name on the key's user id")
	rootCmd.Flags().StringVar(&email, "email", "", "email address on the key's user id")
	rootCmd.Flags().IntVar(&bits, "bits", 4096, "RSA key size")
	rootCmd.Flags().StringVar(&publicOut, "public-out", filepath.Join("keys", "publickey.asc"), "where to write the armored public key")
	rootCmd.Flags().StringVar(&privateOut, "private-out", "privatekey.asc", "where to write the armored private key")
	_ = rootCmd.MarkFlagRequired("email")
}

func run(cmd *cobra.Command, args []string) error {
	if bits < 2048 {
		return fmt.Errorf("refusing to generate a %d bit key, use at least 2048", bits)
	}
	for _, path := range []string{publicOut, privateOut} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	entity, err := encryption.GenerateKeyPair(name, email, bits)
	if err != nil {
		return err
	}

	public, err := encryption.ArmorPublicKey(entity)
	if err != nil {
		return err
	}
	private, err := encryption.ArmorPrivateKey(entity)
	if err != nil {
		return err
	}

	if err := writeFile(publicOut, public, 0o644); err != nil {
		return err
	}
	if err := writeFile(privateOut, private, 0o600); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated %d bit OpenPGP key for %s <%s>\n", bits, name, email)
	fmt.Fprintf(out, "Fingerprint: %s\n", encryption.Fingerprint(entity))
	fmt.Fprintf(out, "\nPublic key:  %s\n", publicOut)
	fmt.Fprintf(out, "Private key: %s (keep this off the server)\n", privateOut)
	fmt.Fprintf(out, "\nPoint the service at the key directory:\n")
	fmt.Fprintf(out, "export KEYS_DIR=%q\n", filepath.Dir(publicOut))
	fmt.Fprintf(out, "export PRIMARY_KEY_FILE=%q\n", filepath.Base(publicOut))
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil { // #nosec G306 - public keys are meant to be readable
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
