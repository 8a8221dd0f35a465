package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/txconfirm/service/solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Solana configuration
	SolanaRPCURL  string
	Commitment    solana.Level
	SkipPreflight bool
	ProgramID     string // empty means the built-in market program
	KeypairPath   string

	// Submission configuration
	ConfirmTimeout     time.Duration
	PollBackoffBase    time.Duration
	PollBackoffCeiling time.Duration
	MaxPollErrors      int
	BlockhashMaxAge    time.Duration

	// Database configuration. Empty disables the submission journal.
	DatabaseURL string

	// NATS configuration. Empty disables submission events.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Worker configuration
	MetricsAddr string
	// ReconcileInterval is how often timed-out submissions are re-queried.
	// Zero disables the reconcile schedule.
	ReconcileInterval time.Duration
	// ReconcileOlderThan skips submissions sent more recently than this.
	ReconcileOlderThan time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	commitment, err := solana.ParseLevel(getEnvOrDefault("SOLANA_COMMITMENT", "confirmed"))
	if err != nil {
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT: %w", err))
	} else {
		cfg.Commitment = commitment
	}

	skip, err := parseBool("SKIP_PREFLIGHT", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SkipPreflight = skip
	}

	cfg.ProgramID = os.Getenv("PROGRAM_ID")
	cfg.KeypairPath = os.Getenv("KEYPAIR_PATH")

	// Submission configuration
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"CONFIRM_TIMEOUT", "30s", &cfg.ConfirmTimeout},
		{"POLL_BACKOFF_BASE", "500ms", &cfg.PollBackoffBase},
		{"POLL_BACKOFF_CEILING", "4s", &cfg.PollBackoffCeiling},
		{"BLOCKHASH_MAX_AGE", "60s", &cfg.BlockhashMaxAge},
		{"RECONCILE_INTERVAL", "5m", &cfg.ReconcileInterval},
		{"RECONCILE_OLDER_THAN", "2m", &cfg.ReconcileOlderThan},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = v
	}

	maxPollErrors, err := parseInt("MAX_POLL_ERRORS", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxPollErrors = maxPollErrors
	}

	// Optional backends
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txconfirm-submissions")

	// Worker configuration
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.Commitment == solana.LevelUnknown || c.Commitment == solana.LevelFailed {
		errs = append(errs, fmt.Errorf("Commitment must be processed, confirmed or finalized"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.PollBackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("PollBackoffBase must be positive"))
	}

	if c.PollBackoffCeiling < c.PollBackoffBase {
		errs = append(errs, fmt.Errorf("PollBackoffCeiling cannot be less than PollBackoffBase"))
	}

	if c.MaxPollErrors < 1 {
		errs = append(errs, fmt.Errorf("MaxPollErrors must be at least 1"))
	}

	if c.BlockhashMaxAge <= 0 || c.BlockhashMaxAge > 90*time.Second {
		errs = append(errs, fmt.Errorf("BlockhashMaxAge must be between 0 and 90s"))
	}

	if c.ReconcileInterval < 0 || c.ReconcileOlderThan < 0 {
		errs = append(errs, fmt.Errorf("ReconcileInterval and ReconcileOlderThan cannot be negative"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
