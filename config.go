package msession

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Retry defaults, applied by DefaultConfig and RetryPolicy.withDefaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 15 * time.Second
	DefaultJitter      = 250 * time.Millisecond

	// DefaultHeartbeatTimeout is how long a stream may stay silent (no
	// events, no keep-alive comments) before the connection is treated as
	// dead and handed to the reconnect path.
	DefaultHeartbeatTimeout = 45 * time.Second

	// DefaultRequestTimeout bounds the non-streaming requests
	// (start work, history, status).
	DefaultRequestTimeout = 30 * time.Second
)

// RetryPolicy bounds the reconnect-with-backoff behavior of a stream
// subscription: delay = BaseDelay * 2^attempt + jitter, capped at MaxDelay,
// for at most MaxAttempts reconnects before the subscription gives up.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
}

// withDefaults fills unset fields. Negative values are treated as unset;
// MaxAttempts in particular feeds a uint64 retry budget downstream.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = DefaultJitter
	}
	return p
}

// Validate implements validation for the retry policy.
func (p RetryPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Min(0)),
		validation.Field(&p.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxDelay, validation.Min(p.BaseDelay)),
	)
}

// Config holds the tunables of the session client. Endpoint settings are
// consumed by the httpapi backend; retry and heartbeat settings by the
// stream subscriptions.
type Config struct {
	// BaseURL of the backend, e.g. "http://localhost:8080".
	BaseURL string `yaml:"base_url"`
	// AuthToken is an opaque bearer token forwarded on every request.
	// The client never inspects it.
	AuthToken string `yaml:"auth_token"`

	Retry            RetryPolicy   `yaml:"retry"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a config with all defaults applied. BaseURL is left
// empty; hosts embedding the library set it or use Load.
func DefaultConfig() *Config {
	return &Config{
		Retry:            RetryPolicy{}.withDefaults(),
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		RequestTimeout:   DefaultRequestTimeout,
	}
}

// Load builds a config from the environment. A .env file in the working
// directory is loaded first (silently ignored if absent - for production).
func Load() *Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.BaseURL = getEnv("SESSION_BASE_URL", "http://localhost:8080")
	cfg.AuthToken = getEnv("SESSION_AUTH_TOKEN", "")
	cfg.Retry.MaxAttempts = getEnvInt("SESSION_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = getEnvDuration("SESSION_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvDuration("SESSION_RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.Jitter = getEnvDuration("SESSION_RETRY_JITTER", cfg.Retry.Jitter)
	cfg.HeartbeatTimeout = getEnvDuration("SESSION_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.RequestTimeout = getEnvDuration("SESSION_REQUEST_TIMEOUT", cfg.RequestTimeout)
	return cfg
}

// LoadFile reads a YAML config file and applies defaults to unset fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return cfg, nil
}

// Validate checks the config.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.Retry),
		validation.Field(&c.HeartbeatTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RequestTimeout, validation.Min(time.Duration(0))),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
