package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/pgp-contact-form/internal/bootstrap"
	"github.com/guided-traffic/pgp-contact-form/internal/config"
	"github.com/guided-traffic/pgp-contact-form/internal/keys"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/health"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	envFile string
	rootCmd = &cobra.Command{
		Use:   "pgp-contact-form",
		Short: "PGP Contact Form accepts contact form posts and mails them OpenPGP-encrypted",
		Long: `PGP Contact Form is a small HTTP service behind a website's contact form.

Every submission is validated, optionally checked with hCaptcha, encrypted to the
site owner's OpenPGP public key and handed to an SMTP relay. The plaintext never
leaves the process and is never stored.

Encryption runs in-process by default; set USE_SYS_GPG=true to use the system gpg
binary instead. With BROADCAST_ENABLED=true every key in KEYS_DIR receives its own
copy, addressed to the key file name without its extension.

Configuration is read from a YAML file (--config), the environment and a .env file
(--env-file).`,
		Run: runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		Run:   runServe,
	}

	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "List the recipient keys found in the key directory",
		Run:   runKeys,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pgp-contact-form %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file; a missing file is ignored")

	rootCmd.AddCommand(serveCmd, keysCmd, versionCmd)
}

func initConfig() {
	config.InitConfig(cfgFile, envFile)
}

func runServe(cmd *cobra.Command, args []string) {
	// Display build information at startup
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("PGP Contact Form build information")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).WithField("code", "SERVER_FATAL_EXIT").Fatal("Failed to load configuration")
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, health.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		logrus.WithError(err).WithField("code", "SERVER_FATAL_EXIT").Fatal("Failed to start")
	}

	if err := app.Run(ctx); err != nil {
		logrus.WithError(err).WithField("code", "SERVER_FATAL_EXIT").Fatal("Server failed")
	}

	logrus.Info("Server stopped")
}

// runKeys loads only the key store so operators can check fingerprints without a relay
func runKeys(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	store, err := keys.Load(cfg.Encryption.KeysDir, cfg.Encryption.PrimaryKeyFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load keys")
	}

	printKeys(cmd.OutOrStdout(), store)
}

// printKeys writes the loaded recipient keys as a table
func printKeys(out io.Writer, store *keys.Store) {
	fmt.Fprintf(out, "Keys loaded from %s\n\n", store.Dir())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tFINGERPRINT\tRECIPIENT\tUSER IDS\tPRIMARY")
	primary := store.Primary()
	for _, key := range store.All() {
		isPrimary := ""
		if key == primary {
			isPrimary = "yes"
		}
		userIDs := strings.Join(key.Emails(), ",")
		if userIDs == "" {
			userIDs = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", key.Identity, key.Fingerprint, keys.RecipientAddress(key.Identity), userIDs, isPrimary)
	}
	_ = w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
