// Package config loads and validates tracer configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultCollectorURL is used when ATO_COLLECTOR_URL is not set and no option
// overrides it.
const DefaultCollectorURL = "https://collector.ashita.ai"

// Config holds all tracer configuration.
type Config struct {
	// Identity and endpoint.
	AppName      string // required; also derives the queue file path
	CollectorURL string
	QueueDir     string // directory for queue files; empty = host temp dir

	// Delivery settings.
	BatchSize       int
	MaxSendAttempts int
	RequestTimeout  time.Duration

	// Buffering settings.
	CoalesceDelay  time.Duration
	PendingMax     int
	MaxMemorySpans int

	// Queue file settings.
	QueueCapacity int
	QueueTTL      time.Duration

	// Lifecycle settings.
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
	NoExitHooks     bool

	// Capture settings.
	MaxFieldBytes int // input/output strings are truncated past this
}

// Load reads configuration from environment variables with sensible defaults.
// AppName may be empty here; the public constructor requires it after
// applying option overrides.
func Load() (Config, error) {
	cfg := Config{
		AppName:         envStr("ATO_APP_NAME", ""),
		CollectorURL:    envStr("ATO_COLLECTOR_URL", DefaultCollectorURL),
		QueueDir:        envStr("ATO_QUEUE_DIR", ""),
		BatchSize:       envInt("ATO_BATCH_SIZE", 50),
		MaxSendAttempts: envInt("ATO_MAX_SEND_ATTEMPTS", 3),
		RequestTimeout:  envDuration("ATO_REQUEST_TIMEOUT", 10*time.Second),
		CoalesceDelay:   envDuration("ATO_COALESCE_DELAY", 50*time.Millisecond),
		PendingMax:      envInt("ATO_PENDING_MAX", 200),
		MaxMemorySpans:  envInt("ATO_MAX_MEMORY_SPANS", 1000),
		QueueCapacity:   envInt("ATO_QUEUE_CAPACITY", 5000),
		QueueTTL:        envDuration("ATO_QUEUE_TTL", 24*time.Hour),
		FlushInterval:   envDuration("ATO_FLUSH_INTERVAL", 5*time.Second),
		ShutdownTimeout: envDuration("ATO_SHUTDOWN_TIMEOUT", 3*time.Second),
		NoExitHooks:     envBool("ATO_NO_EXIT_HOOKS", false),
		MaxFieldBytes:   envInt("ATO_MAX_FIELD_BYTES", 8192),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks everything except AppName, which the public constructor
// enforces after option overrides.
func (c Config) Validate() error {
	if c.CollectorURL == "" {
		return fmt.Errorf("config: ATO_COLLECTOR_URL must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: ATO_BATCH_SIZE must be positive")
	}
	if c.MaxSendAttempts <= 0 {
		return fmt.Errorf("config: ATO_MAX_SEND_ATTEMPTS must be positive")
	}
	if c.CoalesceDelay <= 0 {
		return fmt.Errorf("config: ATO_COALESCE_DELAY must be positive")
	}
	if c.PendingMax <= 0 {
		return fmt.Errorf("config: ATO_PENDING_MAX must be positive")
	}
	if c.MaxMemorySpans <= 0 {
		return fmt.Errorf("config: ATO_MAX_MEMORY_SPANS must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: ATO_FLUSH_INTERVAL must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: ATO_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
