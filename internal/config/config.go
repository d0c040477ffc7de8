package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// TLSConfig holds TLS configuration for the public listener
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// SMTPConfig holds the mail relay configuration
type SMTPConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Pass               string        `mapstructure:"pass"`
	Sender             string        `mapstructure:"sender"`
	Receivers          []string      `mapstructure:"receivers"`
	TLSMode            string        `mapstructure:"tls_mode"`             // "implicit" (default), "starttls" or "none"
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"` // Only for development/testing
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
}

// CaptchaConfig holds hCaptcha configuration
type CaptchaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Secret    string        `mapstructure:"secret"`
	SiteKey   string        `mapstructure:"sitekey"`
	VerifyURL string        `mapstructure:"verify_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EncryptionConfig selects the encryption backend and the recipient keys
type EncryptionConfig struct {
	UseSystemGPG   bool   `mapstructure:"use_sys_gpg"`      // Run the external gpg binary instead of the in-process library
	GPGBinary      string `mapstructure:"gpg_binary"`       // default: gpg
	GPGHomeDir     string `mapstructure:"gpg_homedir"`      // Optional --homedir for gpg
	Cipher         string `mapstructure:"cipher"`           // In-process cipher: aes128, aes192, aes256
	KeysDir        string `mapstructure:"keys_dir"`         // Directory of armored public keys
	PrimaryKeyFile string `mapstructure:"primary_key_file"` // Key used for single-recipient delivery
	Broadcast      bool   `mapstructure:"broadcast"`        // Encrypt for every key and mail each recipient separately
}

// RateLimitConfig holds inbound rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	GlobalRequests int           `mapstructure:"global_requests"`
	GlobalWindow   time.Duration `mapstructure:"global_window"`
	SendRequests   int           `mapstructure:"send_requests"`
	SendWindow     time.Duration `mapstructure:"send_window"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // Enable/disable monitoring
	BindAddress string `mapstructure:"bind_address"` // Address to bind monitoring server (default: :9090)
	MetricsPath string `mapstructure:"metrics_path"` // Path for metrics endpoint (default: /metrics)
}

// Config holds the application configuration
type Config struct {
	// Server configuration
	BindAddress       string    `mapstructure:"bind_address"`
	Port              int       `mapstructure:"port"`
	LogLevel          string    `mapstructure:"log_level"`
	LogFormat         string    `mapstructure:"log_format"`     // "text" (default) or "json"
	LogErrorFile      string    `mapstructure:"log_error_file"` // Error-level entries are appended here; empty disables
	LogHealthRequests bool      `mapstructure:"log_health_requests"`
	ShutdownTimeout   int       `mapstructure:"shutdown_timeout"` // Graceful shutdown timeout in seconds
	TLS               TLSConfig `mapstructure:"tls"`

	// Origins allowed to post the form from a browser; "*" allows any, empty disables CORS
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Site name used in the sender display name and subject
	SiteName string `mapstructure:"site_name"`

	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Captcha    CaptchaConfig    `mapstructure:"captcha"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ListenAddress returns host:port of the public listener
func (cfg *Config) ListenAddress() string {
	return net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
}

// LoadDotEnv loads variables from a .env file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile, envFile string) {
	if err := LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
		os.Exit(1)
	}

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".pgp-contact-form" (without extension)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pgp-contact-form")
	}

	bindEnv()

	// Set defaults
	setDefaults()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// bindEnv enables PCF_* variables for every key plus the plain variable names operators
// already use
func bindEnv() {
	viper.SetEnvPrefix("PCF") // PGP Contact Form
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bind("port", "API_PORT")
	bind("bind_address", "BIND_ADDRESS")
	bind("log_level", "LOG_LEVEL")
	bind("log_format", "LOG_FORMAT")
	bind("log_error_file", "LOG_ERROR_FILE")
	bind("shutdown_timeout", "SHUTDOWN_TIMEOUT")
	bind("site_name", "SITE_NAME")
	bind("cors_allowed_origins", "CORS_ALLOWED_ORIGINS")
	bind("tls.enabled", "TLS_ENABLED")
	bind("tls.cert_file", "TLS_CERT_FILE")
	bind("tls.key_file", "TLS_KEY_FILE")
	bind("smtp.host", "SMTP_HOST")
	bind("smtp.port", "SMTP_PORT")
	bind("smtp.user", "SMTP_USER")
	bind("smtp.pass", "SMTP_PASS")
	bind("smtp.sender", "SMTP_SENDER")
	bind("smtp.receivers", "SMTP_RECEIVERS")
	bind("smtp.tls_mode", "SMTP_TLS_MODE")
	bind("smtp.insecure_skip_verify", "SMTP_INSECURE_SKIP_VERIFY")
	bind("captcha.enabled", "CAPTCHA_ENABLED")
	bind("captcha.secret", "CAPTCHA_SECRET")
	bind("captcha.sitekey", "CAPTCHA_SITEKEY")
	bind("captcha.verify_url", "CAPTCHA_VERIFY_URL")
	bind("encryption.use_sys_gpg", "USE_SYS_GPG")
	bind("encryption.gpg_binary", "GPG_BINARY")
	bind("encryption.gpg_homedir", "GPG_HOMEDIR")
	bind("encryption.keys_dir", "KEYS_DIR")
	bind("encryption.primary_key_file", "PRIMARY_KEY_FILE")
	bind("encryption.broadcast", "BROADCAST_ENABLED")
	bind("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	bind("rate_limit.global_requests", "RATE_LIMIT_GLOBAL_REQUESTS")
	bind("rate_limit.global_window", "RATE_LIMIT_GLOBAL_WINDOW")
	bind("rate_limit.send_requests", "RATE_LIMIT_SEND_REQUESTS")
	bind("rate_limit.send_window", "RATE_LIMIT_SEND_WINDOW")
	bind("monitoring.enabled", "MONITORING_ENABLED")
	bind("monitoring.bind_address", "MONITORING_BIND_ADDRESS")
	bind("monitoring.metrics_path", "MONITORING_METRICS_PATH")
}

// bind binds key to its prefixed variable and to a plain one; the prefixed name wins
func bind(key, env string) {
	_ = viper.BindEnv(key, "PCF_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SMTP.Receivers = splitList(cfg.SMTP.Receivers)
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)

	// Validate required fields
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitList trims entries and splits any that still carry commas, so both YAML lists and
// comma-separated env values work
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults() {
	viper.SetDefault("bind_address", "0.0.0.0")
	viper.SetDefault("port", 3000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_error_file", "./logs/error.log")
	viper.SetDefault("log_health_requests", false)
	viper.SetDefault("shutdown_timeout", 30)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	// SMTP defaults
	viper.SetDefault("smtp.port", 465)
	viper.SetDefault("smtp.tls_mode", "implicit")
	viper.SetDefault("smtp.insecure_skip_verify", false)
	viper.SetDefault("smtp.command_timeout", 30*time.Second)

	// Captcha defaults
	viper.SetDefault("captcha.enabled", false)
	viper.SetDefault("captcha.verify_url", "https://api.hcaptcha.com/siteverify")
	viper.SetDefault("captcha.timeout", 10*time.Second)

	// Encryption defaults
	viper.SetDefault("encryption.use_sys_gpg", false)
	viper.SetDefault("encryption.gpg_binary", "gpg")
	viper.SetDefault("encryption.cipher", "aes256")
	viper.SetDefault("encryption.keys_dir", "./keys")
	viper.SetDefault("encryption.primary_key_file", "publickey.asc")
	viper.SetDefault("encryption.broadcast", false)

	// Rate limit defaults: 150 requests per 15 minutes overall, 100 per 5 minutes on /send
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.global_requests", 150)
	viper.SetDefault("rate_limit.global_window", 15*time.Minute)
	viper.SetDefault("rate_limit.send_requests", 100)
	viper.SetDefault("rate_limit.send_window", 5*time.Minute)
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (API_PORT), got %d", cfg.Port)
	}

	if strings.TrimSpace(cfg.SiteName) == "" {
		return fmt.Errorf("site_name is required (SITE_NAME)")
	}

	// Validate TLS configuration
	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}

		// Check if certificate files exist
		if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", cfg.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.TLS.KeyFile)
		}
	}

	if err := validateSMTP(cfg); err != nil {
		return err
	}

	if cfg.Captcha.Enabled && cfg.Captcha.Secret == "" {
		return fmt.Errorf("captcha.secret is required when captcha is enabled (CAPTCHA_SECRET)")
	}

	if err := validateEncryption(cfg); err != nil {
		return err
	}

	if err := validateRateLimit(cfg); err != nil {
		return err
	}

	return nil
}

func validateSMTP(cfg *Config) error {
	smtp := cfg.SMTP

	if smtp.Host == "" {
		return fmt.Errorf("smtp.host is required (SMTP_HOST)")
	}
	if smtp.Port <= 0 || smtp.Port > 65535 {
		return fmt.Errorf("smtp.port must be between 1 and 65535 (SMTP_PORT), got %d", smtp.Port)
	}
	if smtp.Sender == "" {
		return fmt.Errorf("smtp.sender is required (SMTP_SENDER)")
	}
	if !cfg.Encryption.Broadcast && len(smtp.Receivers) == 0 {
		return fmt.Errorf("smtp.receivers is required (SMTP_RECEIVERS)")
	}
	if (smtp.User == "") != (smtp.Pass == "") {
		return fmt.Errorf("smtp.user and smtp.pass must be set together")
	}

	switch smtp.TLSMode {
	case "implicit", "starttls", "none":
	default:
		return fmt.Errorf("invalid smtp.tls_mode '%s': must be one of implicit, starttls, none", smtp.TLSMode)
	}

	return nil
}

func validateEncryption(cfg *Config) error {
	enc := cfg.Encryption

	if enc.KeysDir == "" {
		return fmt.Errorf("encryption.keys_dir is required (KEYS_DIR)")
	}
	if enc.PrimaryKeyFile == "" {
		return fmt.Errorf("encryption.primary_key_file is required (PRIMARY_KEY_FILE)")
	}
	if enc.UseSystemGPG && enc.GPGBinary == "" {
		return fmt.Errorf("encryption.gpg_binary is required when use_sys_gpg is enabled")
	}

	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil
	}

	if rl.GlobalRequests <= 0 || rl.SendRequests <= 0 {
		return fmt.Errorf("rate_limit request counts must be positive")
	}
	if rl.GlobalWindow <= 0 || rl.SendWindow <= 0 {
		return fmt.Errorf("rate_limit windows must be positive")
	}

	return nil
}

// EncryptorConfig returns the raw backend configuration handed to the encryption factory
func (cfg *Config) EncryptorConfig() map[string]interface{} {
	if cfg.Encryption.UseSystemGPG {
		return map[string]interface{}{
			"binary":  cfg.Encryption.GPGBinary,
			"homedir": cfg.Encryption.GPGHomeDir,
		}
	}
	return map[string]interface{}{
		"cipher": cfg.Encryption.Cipher,
	}
}
