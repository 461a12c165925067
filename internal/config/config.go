package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/luthien-dev/luthien/internal/authcache"
)

// Config is the full environment-driven gateway configuration.
type Config struct {
	Host     string `env:"LUTHIEN_HOST" envDefault:"0.0.0.0"`
	Port     int    `env:"LUTHIEN_PORT" envDefault:"8484"`
	LogLevel string `env:"LUTHIEN_LOG_LEVEL" envDefault:"info"`

	// Upstream providers, keyed by the wire format each natively speaks.
	// At least one must be configured.
	OpenAIBaseURL    string        `env:"LUTHIEN_OPENAI_BASE_URL"`
	OpenAIAPIKey     string        `env:"LUTHIEN_OPENAI_API_KEY"`
	AnthropicBaseURL string        `env:"LUTHIEN_ANTHROPIC_BASE_URL"`
	AnthropicAPIKey  string        `env:"LUTHIEN_ANTHROPIC_API_KEY"`
	UpstreamTimeout  time.Duration `env:"LUTHIEN_UPSTREAM_TIMEOUT" envDefault:"120s"`
	DefaultMaxTokens int           `env:"LUTHIEN_DEFAULT_MAX_TOKENS" envDefault:"4096"`

	// Judge model used by the reference judge policies. The policies are
	// only registered when a model is configured.
	JudgeBaseURL string        `env:"LUTHIEN_JUDGE_BASE_URL"`
	JudgeAPIKey  string        `env:"LUTHIEN_JUDGE_API_KEY"`
	JudgeModel   string        `env:"LUTHIEN_JUDGE_MODEL"`
	JudgeTimeout time.Duration `env:"LUTHIEN_JUDGE_TIMEOUT" envDefault:"30s"`

	// Observability backends. Both are optional; events degrade to
	// in-process only.
	RedisURL          string        `env:"LUTHIEN_REDIS_URL"`
	RedisChannel      string        `env:"LUTHIEN_REDIS_CHANNEL" envDefault:"luthien:events"`
	EventStoreDSN     string        `env:"LUTHIEN_EVENT_STORE_DSN"`
	EventStoreTimeout time.Duration `env:"LUTHIEN_EVENT_STORE_TIMEOUT" envDefault:"5s"`
	StrictBoot        bool          `env:"LUTHIEN_STRICT_BOOT" envDefault:"false"`

	AdminToken        string        `env:"LUTHIEN_ADMIN_TOKEN"`
	MaxBodyBytes      int64         `env:"LUTHIEN_MAX_BODY_BYTES" envDefault:"10485760"`
	ValidTTL          time.Duration `env:"LUTHIEN_CRED_VALID_TTL" envDefault:"300s"`
	InvalidTTL        time.Duration `env:"LUTHIEN_CRED_INVALID_TTL" envDefault:"60s"`
	KeepaliveInterval time.Duration `env:"LUTHIEN_KEEPALIVE_INTERVAL" envDefault:"5s"`
	AuthMode          string        `env:"LUTHIEN_AUTH_MODE" envDefault:"passthrough"`
	AllowedKeys       []string      `env:"LUTHIEN_ALLOWED_KEYS" envSeparator:","`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot boot with.
func (c *Config) Validate() error {
	if c.OpenAIBaseURL == "" && c.AnthropicBaseURL == "" {
		return fmt.Errorf("no upstream configured: set LUTHIEN_OPENAI_BASE_URL or LUTHIEN_ANTHROPIC_BASE_URL")
	}
	if c.AuthMode != authcache.ModePassthrough && c.AuthMode != authcache.ModeBoth {
		return fmt.Errorf("LUTHIEN_AUTH_MODE must be %q or %q, got %q",
			authcache.ModePassthrough, authcache.ModeBoth, c.AuthMode)
	}
	if c.AuthMode == authcache.ModeBoth && len(c.AllowedKeys) == 0 {
		return fmt.Errorf("LUTHIEN_AUTH_MODE=both requires LUTHIEN_ALLOWED_KEYS")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("LUTHIEN_PORT out of range: %d", c.Port)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("LUTHIEN_MAX_BODY_BYTES must be positive")
	}
	if c.StrictBoot && c.EventStoreDSN == "" {
		return fmt.Errorf("LUTHIEN_STRICT_BOOT requires LUTHIEN_EVENT_STORE_DSN")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
