package config

import "time"

// ServerConfig configures the HTTP dashboard.
type ServerConfig struct {
	Addr            string
	RateLimit       float64
	RateBurst       int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// OAuthConfig configures the Google OAuth web flow.
type OAuthConfig struct {
	ClientSecretFile string
	RedirectURL      string
	Scopes           []string
}

// SessionConfig configures dashboard sessions.
type SessionConfig struct {
	CookieName   string
	Lifetime     time.Duration
	SecureCookie bool
}

// ScanConfig configures the scan pipeline and poller.
type ScanConfig struct {
	Interval              time.Duration
	Background            bool
	MaxResults            int
	PageSize              int
	Concurrency           int
	ClassifyTimeout       time.Duration
	ListTimeout           time.Duration
	Quarantine            bool
	QuarantineMaxAttempts int
	PollBatch             int
}

// ClassifierConfig selects and tunes the classification backend.
type ClassifierConfig struct {
	Provider    string
	Threshold   float64
	RateLimit   float64
	RateBurst   int
	MaxBodySize int
	HTTP        HTTPClassifierConfig
	OpenAI      LLMConfig
	Gemini      LLMConfig
}

// HTTPClassifierConfig points at a JSON classification service.
type HTTPClassifierConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// LLMConfig represents the configuration for an LLM provider.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// RedisConfig configures the optional shared pass lock.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string
	Format string
}

// Server returns the server configuration.
func (c *Config) Server() ServerConfig {
	return ServerConfig{
		Addr:            c.GetString("server.addr"),
		RateLimit:       c.GetFloat64("server.rate_limit"),
		RateBurst:       c.GetInt("server.rate_burst"),
		AllowedOrigins:  c.GetStringSlice("server.allowed_origins"),
		ShutdownTimeout: c.GetDuration("server.shutdown_timeout"),
	}
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	return c.GetString("database.path")
}

// OAuth returns the OAuth configuration.
func (c *Config) OAuth() OAuthConfig {
	return OAuthConfig{
		ClientSecretFile: c.GetString("oauth.client_secret_file"),
		RedirectURL:      c.GetString("oauth.redirect_url"),
		Scopes:           c.GetStringSlice("oauth.scopes"),
	}
}

// Session returns the session configuration.
func (c *Config) Session() SessionConfig {
	return SessionConfig{
		CookieName:   c.GetString("session.cookie_name"),
		Lifetime:     c.GetDuration("session.lifetime"),
		SecureCookie: c.GetBool("session.secure_cookie"),
	}
}

// Scan returns the scan configuration.
func (c *Config) Scan() ScanConfig {
	return ScanConfig{
		Interval:              c.GetDuration("scan.interval"),
		Background:            c.GetBool("scan.background"),
		MaxResults:            c.GetInt("scan.max_results"),
		PageSize:              c.GetInt("scan.page_size"),
		Concurrency:           c.GetInt("scan.concurrency"),
		ClassifyTimeout:       c.GetDuration("scan.classify_timeout"),
		ListTimeout:           c.GetDuration("scan.list_timeout"),
		Quarantine:            c.GetBool("scan.quarantine"),
		QuarantineMaxAttempts: c.GetInt("scan.quarantine_max_attempts"),
		PollBatch:             c.GetInt("scan.poll_batch"),
	}
}

// Classifier returns the classifier configuration.
func (c *Config) Classifier() ClassifierConfig {
	return ClassifierConfig{
		Provider:    c.GetString("classifier.provider"),
		Threshold:   c.GetFloat64("classifier.threshold"),
		RateLimit:   c.GetFloat64("classifier.rate_limit"),
		RateBurst:   c.GetInt("classifier.rate_burst"),
		MaxBodySize: c.GetInt("classifier.max_body_size"),
		HTTP: HTTPClassifierConfig{
			URL:     c.GetString("classifier.http.url"),
			APIKey:  c.GetString("classifier.http.api_key"),
			Timeout: c.GetDuration("classifier.http.timeout"),
		},
		OpenAI: c.llm("classifier.openai"),
		Gemini: c.llm("classifier.gemini"),
	}
}

func (c *Config) llm(prefix string) LLMConfig {
	return LLMConfig{
		APIKey:      c.GetString(prefix + ".api_key"),
		BaseURL:     c.GetString(prefix + ".base_url"),
		ModelName:   c.GetString(prefix + ".model_name"),
		MaxTokens:   c.GetInt(prefix + ".max_tokens"),
		Temperature: float32(c.GetFloat64(prefix + ".temperature")),
		TopP:        float32(c.GetFloat64(prefix + ".top_p")),
	}
}

// Redis returns the Redis configuration.
func (c *Config) Redis() RedisConfig {
	return RedisConfig{
		Enabled:  c.GetBool("redis.enabled"),
		Addr:     c.GetString("redis.addr"),
		Password: c.GetString("redis.password"),
		DB:       c.GetInt("redis.db"),
		LockTTL:  c.GetDuration("redis.lock_ttl"),
	}
}

// Logging returns the logging configuration.
func (c *Config) Logging() LoggingConfig {
	return LoggingConfig{
		Level:  c.GetString("logging.level"),
		Format: c.GetString("logging.format"),
	}
}
