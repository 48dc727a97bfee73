// Package config provides layered configuration loading for smtp-notify:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTenantID names the tenant populated from SMTP_* environment variables.
const DefaultTenantID = "default"

const (
	defaultTimeout   = 30 * time.Second
	defaultPause     = 500 * time.Millisecond
	defaultLocalName = "localhost"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Tenants  []TenantConfig `yaml:"tenants"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeliveryConfig holds settings shared by every SMTP delivery.
type DeliveryConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	StrictReplies bool          `yaml:"strict_replies"`

	// Pause is the delay between recipients of a campaign.
	Pause     time.Duration `yaml:"pause"`
	LocalName string        `yaml:"local_name"`
}

// TenantConfig is one organisation's relay settings.
type TenantConfig struct {
	ID           string `yaml:"id"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	UseTLS       bool   `yaml:"use_tls"`
	ImplicitTLS  bool   `yaml:"implicit_tls"`
	FromEmail    string `yaml:"from_email"`
	FromName     string `yaml:"from_name"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds client TLS settings for relay connections.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
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

// Tenant returns the tenant with the given id.
func (c *Config) Tenant(id string) (*TenantConfig, error) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], nil
		}
	}
	return nil, fmt.Errorf("tenant %q not configured", id)
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Delivery.Timeout = defaultTimeout
	c.Delivery.Pause = defaultPause
	c.Delivery.LocalName = defaultLocalName
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("DELIVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Delivery.Timeout = d
		}
	}
	if v := os.Getenv("DELIVERY_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Delivery.StrictReplies = b
		}
	}
	if v := os.Getenv("DELIVERY_PAUSE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Delivery.Pause = d
		}
	}

	c.applyTenantEnvVars()

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CA_FILE"); v != "" {
		c.TLS.CAFile = v
	}
	if v := os.Getenv("TLS_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.InsecureSkipVerify = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// applyTenantEnvVars populates the default tenant from SMTP_* variables,
// creating it when at least one is set.
func (c *Config) applyTenantEnvVars() {
	env := map[string]string{}
	for _, key := range []string{
		"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD",
		"SMTP_USE_TLS", "FROM_EMAIL", "FROM_NAME",
	} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if len(env) == 0 {
		return
	}

	t, err := c.Tenant(DefaultTenantID)
	if err != nil {
		c.Tenants = append(c.Tenants, TenantConfig{ID: DefaultTenantID})
		t = &c.Tenants[len(c.Tenants)-1]
	}

	if v, ok := env["SMTP_HOST"]; ok {
		t.SMTPHost = v
	}
	if v, ok := env["SMTP_PORT"]; ok {
		if port, err := strconv.Atoi(v); err == nil {
			t.SMTPPort = port
		}
	}
	if v, ok := env["SMTP_USER"]; ok {
		t.SMTPUser = v
	}
	if v, ok := env["SMTP_PASSWORD"]; ok {
		t.SMTPPassword = v
	}
	if v, ok := env["SMTP_USE_TLS"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			t.UseTLS = b
		}
	}
	if v, ok := env["FROM_EMAIL"]; ok {
		t.FromEmail = v
	}
	if v, ok := env["FROM_NAME"]; ok {
		t.FromName = v
	}
}
