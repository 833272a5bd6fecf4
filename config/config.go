package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var (
	// ErrMissingGatewayKey signals the gateway bearer credential is absent.
	ErrMissingGatewayKey = errors.New("config: GATEWAY_API_KEY is required")
	// ErrMissingDatabaseURL signals no datastore connection string was provided.
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
)

// Config carries every tunable the reconciliation agent recognizes.
// All knobs have defaults; only the gateway credential and the database
// connection string are mandatory.
type Config struct {
	DatabaseURL    string
	GatewayBaseURL string
	GatewayAPIKey  string

	BatchSize     int
	PendingMinAge time.Duration
	RunTimeout    time.Duration
	LockTTL       time.Duration

	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryBackoffFactor float64
	APITimeout         time.Duration
	Throttle           time.Duration

	BreakerErrorThreshold float64
	BreakerCooldown       time.Duration
	BreakerMinSamples     int

	ScheduleInterval time.Duration
	LogLevel         string

	// parseErrs collects malformed env values found by Load. Validate
	// surfaces them; a misspelled setting fails startup rather than
	// silently running with the default.
	parseErrs []error
}

// Load reads configuration from the environment, falling back to
// defaults. Malformed values are recorded and rejected by Validate.
func Load() Config {
	var errs []error

	getInt := func(key string, defaultValue int) int {
		value := os.Getenv(key)
		if value == "" {
			return defaultValue
		}
		i, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s %q: %w", key, value, err))
			return defaultValue
		}
		return i
	}
	getFloat := func(key string, defaultValue float64) float64 {
		value := os.Getenv(key)
		if value == "" {
			return defaultValue
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s %q: %w", key, value, err))
			return defaultValue
		}
		return f
	}
	getDuration := func(key string, defaultValue time.Duration) time.Duration {
		value := os.Getenv(key)
		if value == "" {
			return defaultValue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s %q: %w", key, value, err))
			return defaultValue
		}
		return d
	}

	cfg := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		GatewayBaseURL: getEnv("GATEWAY_BASE_URL", "https://api.abacatepay.com/v1"),
		GatewayAPIKey:  os.Getenv("GATEWAY_API_KEY"),

		BatchSize:     getInt("RECONCILE_BATCH_SIZE", 100),
		PendingMinAge: getDuration("RECONCILE_PENDING_MIN_AGE", time.Hour),
		RunTimeout:    getDuration("RECONCILE_RUN_TIMEOUT", 4*time.Minute),
		LockTTL:       getDuration("RECONCILE_LOCK_TTL", 5*time.Minute),

		MaxRetries:         getInt("GATEWAY_MAX_RETRIES", 3),
		RetryBaseDelay:     getDuration("GATEWAY_RETRY_BASE_DELAY", time.Second),
		RetryBackoffFactor: getFloat("GATEWAY_RETRY_BACKOFF_FACTOR", 2.0),
		APITimeout:         getDuration("GATEWAY_API_TIMEOUT", 30*time.Second),
		Throttle:           getDuration("GATEWAY_THROTTLE", 100*time.Millisecond),

		BreakerErrorThreshold: getFloat("BREAKER_ERROR_THRESHOLD", 0.5),
		BreakerCooldown:       getDuration("BREAKER_COOLDOWN", time.Minute),
		BreakerMinSamples:     getInt("BREAKER_MIN_SAMPLES", 3),

		ScheduleInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	cfg.parseErrs = errs
	return cfg
}

// Validate rejects configurations the agent must not start with.
// Missing credentials are a fatal condition, not a retryable one.
func (c Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return errors.Join(c.parseErrs...)
	}
	if c.GatewayAPIKey == "" {
		return ErrMissingGatewayKey
	}
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoffFactor < 1 {
		return fmt.Errorf("config: backoff factor must be >= 1, got %g", c.RetryBackoffFactor)
	}
	if c.BreakerErrorThreshold <= 0 || c.BreakerErrorThreshold > 1 {
		return fmt.Errorf("config: breaker threshold must be in (0, 1], got %g", c.BreakerErrorThreshold)
	}
	if c.BreakerMinSamples < 0 {
		return fmt.Errorf("config: breaker min samples must not be negative, got %d", c.BreakerMinSamples)
	}
	for name, d := range map[string]time.Duration{
		"run timeout":       c.RunTimeout,
		"lock ttl":          c.LockTTL,
		"api timeout":       c.APITimeout,
		"pending min age":   c.PendingMinAge,
		"schedule interval": c.ScheduleInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.LockTTL <= c.RunTimeout {
		return fmt.Errorf("config: lock ttl (%s) must exceed run timeout (%s)", c.LockTTL, c.RunTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
