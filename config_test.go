package msession

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retry.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts: got %d, want %d", cfg.Retry.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Retry.BaseDelay != DefaultBaseDelay {
		t.Errorf("BaseDelay: got %v, want %v", cfg.Retry.BaseDelay, DefaultBaseDelay)
	}
	if cfg.Retry.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay: got %v, want %v", cfg.Retry.MaxDelay, DefaultMaxDelay)
	}
	if cfg.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("HeartbeatTimeout: got %v, want %v", cfg.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout: got %v, want %v", cfg.RequestTimeout, DefaultRequestTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SESSION_BASE_URL", "https://analysis.example.com")
	t.Setenv("SESSION_AUTH_TOKEN", "token-123")
	t.Setenv("SESSION_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("SESSION_RETRY_BASE_DELAY", "250ms")
	t.Setenv("SESSION_HEARTBEAT_TIMEOUT", "90s")

	cfg := Load()

	if cfg.BaseURL != "https://analysis.example.com" {
		t.Errorf("BaseURL: got %q", cfg.BaseURL)
	}
	if cfg.AuthToken != "token-123" {
		t.Errorf("AuthToken: got %q", cfg.AuthToken)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("MaxAttempts: got %d, want 7", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay: got %v", cfg.Retry.BaseDelay)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout: got %v", cfg.HeartbeatTimeout)
	}
	// Unset values keep their defaults.
	if cfg.Retry.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay: got %v, want default %v", cfg.Retry.MaxDelay, DefaultMaxDelay)
	}
}

func TestLoadIgnoresMalformedEnvValues(t *testing.T) {
	t.Setenv("SESSION_RETRY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("SESSION_REQUEST_TIMEOUT", "soon")

	cfg := Load()
	if cfg.Retry.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts: got %d, want default", cfg.Retry.MaxAttempts)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout: got %v, want default", cfg.RequestTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
base_url: "https://analysis.example.com"
auth_token: "token-456"
retry:
  max_attempts: 3
  base_delay: 100ms
heartbeat_timeout: 60s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.BaseURL != "https://analysis.example.com" {
		t.Errorf("BaseURL: got %q", cfg.BaseURL)
	}
	if cfg.AuthToken != "token-456" {
		t.Errorf("AuthToken: got %q", cfg.AuthToken)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts: got %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Errorf("BaseDelay: got %v", cfg.Retry.BaseDelay)
	}
	if cfg.HeartbeatTimeout != 60*time.Second {
		t.Errorf("HeartbeatTimeout: got %v", cfg.HeartbeatTimeout)
	}
	// Unset fields fall back to defaults.
	if cfg.Retry.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay: got %v, want default", cfg.Retry.MaxDelay)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout: got %v, want default", cfg.RequestTimeout)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFileRequiresBaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("auth_token: abc\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadFile(path)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure without base url")
	}

	cfg.BaseURL = "http://localhost:8080"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestRetryPolicyWithDefaultsClampsNegatives(t *testing.T) {
	// A negative attempt count must not turn into an unbounded uint64
	// retry budget downstream.
	p := RetryPolicy{
		MaxAttempts: -1,
		BaseDelay:   -time.Second,
		MaxDelay:    -time.Second,
		Jitter:      -time.Second,
	}.withDefaults()

	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts: got %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
	if p.BaseDelay != DefaultBaseDelay {
		t.Errorf("BaseDelay: got %v, want %v", p.BaseDelay, DefaultBaseDelay)
	}
	if p.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay: got %v, want %v", p.MaxDelay, DefaultMaxDelay)
	}
	if p.Jitter != DefaultJitter {
		t.Errorf("Jitter: got %v, want %v", p.Jitter, DefaultJitter)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	bad := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Millisecond}
	if err := bad.Validate(); err == nil {
		t.Error("expected failure when max delay is below base delay")
	}

	good := RetryPolicy{}.withDefaults()
	if err := good.Validate(); err != nil {
		t.Errorf("expected valid policy, got %v", err)
	}
}
