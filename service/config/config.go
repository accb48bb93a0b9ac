package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/pullpay/service/ledger"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Ledger configuration
	LedgerRPCURL       string
	OperatorPrivateKey string
	TokenAddress       string
	ChainID            int64
	LedgerCallTimeout  time.Duration

	// Confirmation and submission tuning
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	GasBufferPercent         int

	// Outbound RPC rate limit
	RPCRateLimitRPS   float64
	RPCRateLimitBurst int

	// Database configuration (optional for the server)
	DatabaseURL string

	// NATS configuration (optional)
	NATSURL string

	// Temporal configuration (optional for the server)
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Worker metrics listener
	MetricsAddr string
}

// Load reads the API server configuration from environment variables and
// validates all required fields. The operator key and token address are
// required; a missing value is a startup error.
func Load() (*Config, error) {
	cfg, errs := load()

	if cfg.OperatorPrivateKey == "" {
		errs = append(errs, fmt.Errorf("OPERATOR_PRIVATE_KEY is required"))
	} else if _, err := ledger.NewSigner(cfg.OperatorPrivateKey); err != nil {
		errs = append(errs, fmt.Errorf("OPERATOR_PRIVATE_KEY: %w", err))
	}

	// Reconciliation records its outcome in the journal.
	if cfg.TemporalHost != "" && cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST requires DATABASE_URL"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	return cfg, nil
}

// LoadWorker reads the reconciliation worker configuration. The worker only
// observes receipts, so it needs no key but does need the journal and Temporal.
func LoadWorker() (*Config, error) {
	cfg, errs := load()

	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if cfg.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	return cfg, nil
}

func load() (*Config, []error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Ledger configuration
	cfg.LedgerRPCURL = getEnvOrDefault("LEDGER_RPC_URL", "https://bsc-dataseed.binance.org/")
	if _, err := url.ParseRequestURI(cfg.LedgerRPCURL); err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_URL is not a valid URL"))
	}

	cfg.OperatorPrivateKey = strings.TrimSpace(os.Getenv("OPERATOR_PRIVATE_KEY"))

	cfg.TokenAddress = os.Getenv("TOKEN_ADDRESS")
	if cfg.TokenAddress == "" {
		errs = append(errs, fmt.Errorf("TOKEN_ADDRESS is required"))
	} else if _, err := ledger.ParseAddress(cfg.TokenAddress); err != nil {
		errs = append(errs, fmt.Errorf("TOKEN_ADDRESS: %w", err))
	}

	chainID, err := parseInt("CHAIN_ID", 0)
	if err != nil {
		errs = append(errs, err)
	} else if chainID < 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must not be negative"))
	} else {
		cfg.ChainID = int64(chainID)
	}

	callTimeout, err := parseDuration("LEDGER_CALL_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else if callTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive"))
	} else {
		cfg.LedgerCallTimeout = callTimeout
	}

	// Confirmation and submission tuning
	timeout, err := parseDuration("CONFIRMATION_TIMEOUT", "2m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationTimeout = timeout
	}

	poll, err := parseDuration("CONFIRMATION_POLL_INTERVAL", "3s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationPollInterval = poll
	}

	if cfg.ConfirmationPollInterval >= cfg.ConfirmationTimeout && cfg.ConfirmationTimeout > 0 {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL (%v) must be less than CONFIRMATION_TIMEOUT (%v)",
			cfg.ConfirmationPollInterval, cfg.ConfirmationTimeout))
	}

	buffer, err := parseInt("GAS_BUFFER_PERCENT", 20)
	if err != nil {
		errs = append(errs, err)
	} else if buffer < 0 || buffer > 200 {
		errs = append(errs, fmt.Errorf("GAS_BUFFER_PERCENT must be between 0 and 200"))
	} else {
		cfg.GasBufferPercent = buffer
	}

	// Outbound RPC rate limit
	rps, err := parseFloat("RPC_RATE_LIMIT_RPS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimitRPS = rps
	}

	burst, err := parseInt("RPC_RATE_LIMIT_BURST", 20)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimitBurst = burst
	}

	// Optional integrations
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "pullpay-reconcile")

	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	return cfg, errs
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

// Validate checks if the configuration is valid for the API server.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.LedgerRPCURL == "" {
		errs = append(errs, fmt.Errorf("LedgerRPCURL is required"))
	}

	if c.OperatorPrivateKey == "" {
		errs = append(errs, fmt.Errorf("OperatorPrivateKey is required"))
	}

	if c.TokenAddress == "" {
		errs = append(errs, fmt.Errorf("TokenAddress is required"))
	} else if _, err := ledger.ParseAddress(c.TokenAddress); err != nil {
		errs = append(errs, fmt.Errorf("TokenAddress: %w", err))
	}

	if c.ConfirmationTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be at least 1 second"))
	}

	if c.ConfirmationPollInterval <= 0 || c.ConfirmationPollInterval >= c.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive and less than ConfirmationTimeout"))
	}

	if c.TemporalHost != "" && c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required when TemporalHost is set"))
	}

	if c.TemporalHost != "" && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required when TemporalHost is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RPCEndpointLabel returns the RPC host for use as a metrics label. The full
// URL may embed a provider API key, so it is never used as a label.
func (c *Config) RPCEndpointLabel() string {
	u, err := url.Parse(c.LedgerRPCURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// LogValue implements slog.LogValuer so the config can be logged at startup
// without leaking the operator key or credentials embedded in URLs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server_addr", c.ServerAddr),
		slog.String("log_level", c.LogLevel),
		slog.String("ledger_rpc_host", c.RPCEndpointLabel()),
		slog.String("operator_private_key", redact(c.OperatorPrivateKey)),
		slog.String("token_address", c.TokenAddress),
		slog.Int64("chain_id", c.ChainID),
		slog.Duration("ledger_call_timeout", c.LedgerCallTimeout),
		slog.Duration("confirmation_timeout", c.ConfirmationTimeout),
		slog.Duration("confirmation_poll_interval", c.ConfirmationPollInterval),
		slog.Int("gas_buffer_percent", c.GasBufferPercent),
		slog.Float64("rpc_rate_limit_rps", c.RPCRateLimitRPS),
		slog.Int("rpc_rate_limit_burst", c.RPCRateLimitBurst),
		slog.Bool("journal_enabled", c.DatabaseURL != ""),
		slog.Bool("events_enabled", c.NATSURL != ""),
		slog.Bool("reconcile_enabled", c.TemporalHost != ""),
		slog.String("temporal_namespace", c.TemporalNamespace),
		slog.String("temporal_task_queue", c.TemporalTaskQueue),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
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

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
