package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Load()
	cfg.GatewayAPIKey = "sk_test_abc"
	cfg.DatabaseURL = "postgres://localhost/paysync"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.PendingMinAge != time.Hour {
		t.Errorf("expected default pending min age 1h, got %s", cfg.PendingMinAge)
	}
	if cfg.RunTimeout != 4*time.Minute {
		t.Errorf("expected default run timeout 4m, got %s", cfg.RunTimeout)
	}
	if cfg.LockTTL != 5*time.Minute {
		t.Errorf("expected default lock ttl 5m, got %s", cfg.LockTTL)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.BreakerErrorThreshold != 0.5 {
		t.Errorf("expected default breaker threshold 0.5, got %g", cfg.BreakerErrorThreshold)
	}
	if cfg.ScheduleInterval != 5*time.Minute {
		t.Errorf("expected default interval 5m, got %s", cfg.ScheduleInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECONCILE_BATCH_SIZE", "25")
	t.Setenv("RECONCILE_RUN_TIMEOUT", "90s")
	t.Setenv("GATEWAY_RETRY_BACKOFF_FACTOR", "1.5")

	cfg := Load()
	if cfg.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.BatchSize)
	}
	if cfg.RunTimeout != 90*time.Second {
		t.Errorf("expected run timeout 90s, got %s", cfg.RunTimeout)
	}
	if cfg.RetryBackoffFactor != 1.5 {
		t.Errorf("expected backoff factor 1.5, got %g", cfg.RetryBackoffFactor)
	}
}

func TestLoadMalformedNumericsFailValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric batch size", "RECONCILE_BATCH_SIZE", "one-hundred"},
		{"non-numeric backoff factor", "GATEWAY_RETRY_BACKOFF_FACTOR", "fast"},
		{"non-duration run timeout", "RECONCILE_RUN_TIMEOUT", "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			t.Setenv("GATEWAY_API_KEY", "sk_test_abc")
			t.Setenv("DATABASE_URL", "postgres://localhost/paysync")

			cfg := Load()
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("a malformed setting must fail startup, not fall back to the default")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("expected error to name %s, got %v", tc.key, err)
			}
		})
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.GatewayAPIKey = ""
	if err := cfg.Validate(); !errors.Is(err, ErrMissingGatewayKey) {
		t.Fatalf("expected ErrMissingGatewayKey, got %v", err)
	}

	cfg = validConfig()
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Fatalf("expected ErrMissingDatabaseURL, got %v", err)
	}
}

func TestValidateNumericBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"backoff factor below one", func(c *Config) { c.RetryBackoffFactor = 0.5 }},
		{"threshold above one", func(c *Config) { c.BreakerErrorThreshold = 1.5 }},
		{"negative breaker min samples", func(c *Config) { c.BreakerMinSamples = -1 }},
		{"zero run timeout", func(c *Config) { c.RunTimeout = 0 }},
		{"lock ttl not exceeding run timeout", func(c *Config) { c.LockTTL = c.RunTimeout }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
