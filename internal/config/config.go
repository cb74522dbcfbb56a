// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mailtree.
//
// Values are layered: defaults, then the YAML file when one is given, then
// non-empty environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

const (
	defaultTimeout     = 30 * time.Second
	defaultIdleTimeout = 5 * time.Minute
)

// Provider names accepted by the provider key.
const (
	ProviderStdout = "stdout"
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend. Empty means auto-detect.
	Provider string `yaml:"provider"`
	// From is the sender used by the outbox.
	From string `yaml:"from"`

	SMTP        SMTPConfig       `yaml:"smtp"`
	IMAP        IMAPConfig       `yaml:"imap"`
	SES         SESConfig        `yaml:"ses"`
	Graph       GraphConfig      `yaml:"graph"`
	Sink        SinkConfig       `yaml:"sink"`
	TLS         TLSConfig        `yaml:"tls"`
	Render      RenderConfig     `yaml:"render"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Keyring     KeyringConfig    `yaml:"keyring"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// SMTPConfig holds the outgoing SMTP server used by the smtp provider.
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Secure             bool          `yaml:"secure"`
	RequireTLS         bool          `yaml:"require_tls"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LocalName          string        `yaml:"local_name"`
	Timeout            time.Duration `yaml:"timeout"`
}

// IMAPConfig holds the IMAP server polled by the inbox.
type IMAPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Secure             bool          `yaml:"secure"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	Sender          string `yaml:"sender"`
	SaveToSentItems bool   `yaml:"save_to_sent_items"`
}

// SinkConfig holds the local SMTP capture server configuration.
type SinkConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequireTLS     bool          `yaml:"require_tls"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxConnections int64         `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	// HTTPListen serves /healthz and /metrics when set.
	HTTPListen string `yaml:"http_listen"`
}

// TLSConfig holds TLS certificate file paths for the sink.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RenderConfig tunes the renderer.
type RenderConfig struct {
	Escape    bool     `yaml:"escape"`
	BlockTags []string `yaml:"block_tags"`
}

// AttachmentConfig configures attachment loading.
type AttachmentConfig struct {
	S3Region string `yaml:"s3_region"`
	MaxSize  int64  `yaml:"max_size"`
}

// MetricsConfig configures Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// KeyringConfig enables password lookup in the OS keyring.
type KeyringConfig struct {
	Enabled bool   `yaml:"enabled"`
	FileDir string `yaml:"file_dir"`
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
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
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
	cfg.Provider = strings.ToLower(cfg.Provider)

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects unknown provider names and log levels.
func (c *Config) Validate() error {
	switch c.Provider {
	case "", ProviderStdout, ProviderSMTP, ProviderSES, ProviderGraph:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// ProviderName returns the configured provider, or the first configured
// backend when none is set: Graph, then SES, then SMTP, then stdout.
func (c *Config) ProviderName() string {
	switch {
	case c.Provider != "":
		return c.Provider
	case c.GraphConfigured():
		return ProviderGraph
	case c.SESConfigured():
		return ProviderSES
	case c.SMTPConfigured():
		return ProviderSMTP
	default:
		return ProviderStdout
	}
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// SMTPConfigured returns true if an outgoing SMTP host is set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != ""
}

// IMAPConfigured returns true if the IMAP host and username are set.
func (c *Config) IMAPConfigured() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

// AuthEnabled returns true if both sink username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = 587
	c.SMTP.Timeout = defaultTimeout
	c.IMAP.Port = 993
	c.IMAP.Secure = true
	c.IMAP.Timeout = defaultTimeout
	c.Sink.Listen = ":2525"
	c.Sink.Hostname = "localhost"
	c.Sink.MaxMessageSize = defaultMaxMessageSize
	c.Sink.MaxConnections = 100
	c.Sink.IdleTimeout = defaultIdleTimeout
	c.Attachments.MaxSize = defaultMaxMessageSize
	c.Metrics.Namespace = "mailtree"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	setString(&c.From, "MAIL_FROM")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.CAFile, "SMTP_CA_FILE")
	setString(&c.SMTP.LocalName, "SMTP_LOCAL_NAME")

	setString(&c.IMAP.Host, "IMAP_HOST")
	setString(&c.IMAP.Username, "IMAP_USERNAME")
	setString(&c.IMAP.Password, "IMAP_PASSWORD")
	setString(&c.IMAP.CAFile, "IMAP_CA_FILE")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.Sink.Listen, "SINK_LISTEN")
	setString(&c.Sink.Hostname, "SINK_HOSTNAME")
	setString(&c.Sink.Username, "SINK_USERNAME")
	setString(&c.Sink.Password, "SINK_PASSWORD")
	setString(&c.Sink.HTTPListen, "SINK_HTTP_LISTEN")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setString(&c.Attachments.S3Region, "ATTACHMENTS_S3_REGION")
	setString(&c.Metrics.Namespace, "METRICS_NAMESPACE")
	setString(&c.Keyring.FileDir, "KEYRING_FILE_DIR")

	if v := os.Getenv("RENDER_BLOCK_TAGS"); v != "" {
		c.Render.BlockTags = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	for _, fn := range []func() error{
		func() error { return setInt(&c.SMTP.Port, "SMTP_PORT") },
		func() error { return setBool(&c.SMTP.Secure, "SMTP_SECURE") },
		func() error { return setBool(&c.SMTP.RequireTLS, "SMTP_REQUIRE_TLS") },
		func() error { return setBool(&c.SMTP.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY") },
		func() error { return setDuration(&c.SMTP.Timeout, "SMTP_TIMEOUT") },
		func() error { return setInt(&c.IMAP.Port, "IMAP_PORT") },
		func() error { return setBool(&c.IMAP.Secure, "IMAP_SECURE") },
		func() error { return setBool(&c.IMAP.InsecureSkipVerify, "IMAP_INSECURE_SKIP_VERIFY") },
		func() error { return setDuration(&c.IMAP.Timeout, "IMAP_TIMEOUT") },
		func() error { return setBool(&c.Graph.SaveToSentItems, "GRAPH_SAVE_TO_SENT_ITEMS") },
		func() error { return setBool(&c.Sink.RequireTLS, "SINK_REQUIRE_TLS") },
		func() error { return setInt64(&c.Sink.MaxMessageSize, "SINK_MAX_MESSAGE_SIZE") },
		func() error { return setInt64(&c.Sink.MaxConnections, "SINK_MAX_CONNECTIONS") },
		func() error { return setDuration(&c.Sink.IdleTimeout, "SINK_IDLE_TIMEOUT") },
		func() error { return setBool(&c.Render.Escape, "RENDER_ESCAPE") },
		func() error { return setInt64(&c.Attachments.MaxSize, "ATTACHMENTS_MAX_SIZE") },
		func() error { return setBool(&c.Metrics.Enabled, "METRICS_ENABLED") },
		func() error { return setBool(&c.Keyring.Enabled, "KEYRING_ENABLED") },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
