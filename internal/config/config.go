// Package config loads smail settings from a YAML file and SMAIL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SMAIL_SCAN_INTERVAL.
const EnvPrefix = "SMAIL"

// Config represents the application configuration.
type Config struct {
	v *viper.Viper
}

// New creates a configuration instance. When path is empty the standard
// locations are searched and a missing file is not an error.
func New(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smail")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/smail/")
		v.AddConfigPath("$HOME/.smail")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromViper wraps an existing Viper instance.
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper returns a Viper instance holding only the defaults.
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:5000")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "database/smail.db")

	v.SetDefault("oauth.client_secret_file", "client_secret.json")
	v.SetDefault("oauth.redirect_url", "http://localhost:5000/callback")
	v.SetDefault("oauth.scopes", []string{"https://www.googleapis.com/auth/gmail.modify"})

	v.SetDefault("session.cookie_name", "smail_session")
	v.SetDefault("session.lifetime", "1h")
	v.SetDefault("session.secure_cookie", false)

	v.SetDefault("scan.interval", "5s")
	v.SetDefault("scan.background", true)
	v.SetDefault("scan.max_results", 200)
	v.SetDefault("scan.page_size", 50)
	v.SetDefault("scan.concurrency", 5)
	v.SetDefault("scan.classify_timeout", "15s")
	v.SetDefault("scan.list_timeout", "30s")
	v.SetDefault("scan.quarantine", true)
	v.SetDefault("scan.quarantine_max_attempts", 3)
	v.SetDefault("scan.poll_batch", 50)

	v.SetDefault("classifier.provider", "http")
	v.SetDefault("classifier.threshold", 0.70)
	v.SetDefault("classifier.rate_limit", 5.0)
	v.SetDefault("classifier.rate_burst", 5)
	v.SetDefault("classifier.max_body_size", 4096)
	v.SetDefault("classifier.http.url", "http://127.0.0.1:8000/classify")
	v.SetDefault("classifier.http.api_key", "")
	v.SetDefault("classifier.http.timeout", "10s")
	v.SetDefault("classifier.openai.api_key", "")
	v.SetDefault("classifier.openai.base_url", "")
	v.SetDefault("classifier.openai.model_name", "gpt-4o-mini")
	v.SetDefault("classifier.openai.max_tokens", 300)
	v.SetDefault("classifier.openai.temperature", 0.1)
	v.SetDefault("classifier.openai.top_p", 0.9)
	v.SetDefault("classifier.gemini.api_key", "")
	v.SetDefault("classifier.gemini.model_name", "gemini-1.5-flash")
	v.SetDefault("classifier.gemini.max_tokens", 300)
	v.SetDefault("classifier.gemini.temperature", 0.1)
	v.SetDefault("classifier.gemini.top_p", 0.9)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Set overrides a key, used by command-line flags.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// GetString gets a string value from the configuration.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration.
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration.
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration.
func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// ConfigFile returns the file the configuration was read from, if any.
func (c *Config) ConfigFile() string {
	return c.v.ConfigFileUsed()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	scan := c.Scan()
	switch {
	case scan.Concurrency < 1:
		return fmt.Errorf("scan.concurrency must be at least 1, got %d", scan.Concurrency)
	case scan.PageSize < 1 || scan.PageSize > 500:
		return fmt.Errorf("scan.page_size must be between 1 and 500, got %d", scan.PageSize)
	case scan.MaxResults < 1:
		return fmt.Errorf("scan.max_results must be at least 1, got %d", scan.MaxResults)
	case scan.Interval <= 0:
		return fmt.Errorf("scan.interval must be positive")
	case scan.QuarantineMaxAttempts < 1:
		return fmt.Errorf("scan.quarantine_max_attempts must be at least 1")
	}

	t := c.Classifier().Threshold
	if t <= 0 || t >= 1 {
		return fmt.Errorf("classifier.threshold must be in (0, 1), got %v", t)
	}
	return nil
}
