// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the contact relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted by the provider setting.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig    `yaml:"http"`
	Relay    RelayConfig   `yaml:"relay"`
	Mail     MailConfig    `yaml:"mail"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Outbox   OutboxConfig  `yaml:"outbox"`
	Logging  LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the inbound listener configuration.
type HTTPConfig struct {
	Listen        string        `yaml:"listen"`
	Path          string        `yaml:"path"`
	MaxHeaderSize int           `yaml:"max_header_size"`
	ChunkSize     int           `yaml:"chunk_size"`
	MaxBodySize   int           `yaml:"max_body_size"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	TLS           bool          `yaml:"tls"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
}

// RelayConfig holds the outbound SMTP session configuration.
type RelayConfig struct {
	Address               string        `yaml:"address"`
	Identity              string        `yaml:"identity"`
	StartTLS              bool          `yaml:"starttls"`
	TLSServerName         string        `yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify"`
	TLSCAFile             string        `yaml:"tls_ca_file"`
	Username              string        `yaml:"username"`
	Password              string        `yaml:"password"`
	ResolveMX             bool          `yaml:"resolve_mx"`
	Nameservers           []string      `yaml:"nameservers"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
}

// MailConfig holds the envelope addresses of every notification.
type MailConfig struct {
	Sender    string `yaml:"sender"`
	Recipient string `yaml:"recipient"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// OutboxConfig holds the submission store configuration. An empty Path
// disables persistence and retries.
type OutboxConfig struct {
	Path          string        `yaml:"path"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks the settings the selected provider cannot run without.
func (c *Config) Validate() error {
	if c.Mail.Sender == "" {
		return fmt.Errorf("mail.sender is required")
	}
	if c.Mail.Recipient == "" {
		return fmt.Errorf("mail.recipient is required")
	}
	if c.HTTP.Path == "" || !strings.HasPrefix(c.HTTP.Path, "/") {
		return fmt.Errorf("http.path must start with '/', got %q", c.HTTP.Path)
	}
	if c.HTTP.MaxHeaderSize <= 0 || c.HTTP.ChunkSize <= 0 || c.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("http sizes must be positive")
	}

	switch c.Provider {
	case ProviderSMTP:
		if c.Relay.Address == "" && !c.Relay.ResolveMX {
			return fmt.Errorf("relay.address is required unless relay.resolve_mx is set")
		}
	case ProviderSES:
		if !c.SESConfigured() {
			return fmt.Errorf("ses.region is required for the ses provider")
		}
	case ProviderStdout:
	default:
		return fmt.Errorf("unknown provider %q (want smtp, ses or stdout)", c.Provider)
	}

	return nil
}

// SESConfigured returns true if the SES region is set. Credentials may come
// from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if both relay username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.HTTP.Path = "/contact"
	c.HTTP.MaxHeaderSize = 4096
	c.HTTP.ChunkSize = 512
	c.HTTP.MaxBodySize = 64 * 1024
	c.HTTP.ReadTimeout = 30 * time.Second

	c.Relay.Address = "localhost:25"
	c.Relay.Identity = "localhost"
	c.Relay.DialTimeout = 10 * time.Second
	c.Relay.CommandTimeout = 30 * time.Second

	c.Provider = ProviderSMTP

	c.Outbox.MaxAttempts = 5
	c.Outbox.RetryInterval = 30 * time.Second

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	envString("HTTP_LISTEN", &c.HTTP.Listen)
	envString("HTTP_PATH", &c.HTTP.Path)
	envInt("HTTP_MAX_HEADER_SIZE", &c.HTTP.MaxHeaderSize)
	envInt("HTTP_CHUNK_SIZE", &c.HTTP.ChunkSize)
	envInt("HTTP_MAX_BODY_SIZE", &c.HTTP.MaxBodySize)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envBool("HTTP_TLS", &c.HTTP.TLS)
	envString("TLS_CERT_FILE", &c.HTTP.CertFile)
	envString("TLS_KEY_FILE", &c.HTTP.KeyFile)

	envString("RELAY_ADDRESS", &c.Relay.Address)
	envString("RELAY_IDENTITY", &c.Relay.Identity)
	envBool("RELAY_STARTTLS", &c.Relay.StartTLS)
	envString("RELAY_TLS_SERVER_NAME", &c.Relay.TLSServerName)
	envBool("RELAY_TLS_INSECURE_SKIP_VERIFY", &c.Relay.TLSInsecureSkipVerify)
	envString("RELAY_TLS_CA_FILE", &c.Relay.TLSCAFile)
	envString("RELAY_USERNAME", &c.Relay.Username)
	envString("RELAY_PASSWORD", &c.Relay.Password)
	envBool("RELAY_RESOLVE_MX", &c.Relay.ResolveMX)
	if v := os.Getenv("RELAY_NAMESERVERS"); v != "" {
		c.Relay.Nameservers = splitList(v)
	}
	envDuration("RELAY_DIAL_TIMEOUT", &c.Relay.DialTimeout)
	envDuration("RELAY_COMMAND_TIMEOUT", &c.Relay.CommandTimeout)

	envString("MAIL_SENDER", &c.Mail.Sender)
	envString("MAIL_RECIPIENT", &c.Mail.Recipient)

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	envString("SES_REGION", &c.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	envString("SES_SENDER", &c.SES.Sender)

	envString("OUTBOX_PATH", &c.Outbox.Path)
	envInt("OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts)
	envDuration("OUTBOX_RETRY_INTERVAL", &c.Outbox.RetryInterval)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
