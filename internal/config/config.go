package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for fsrag
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Admin       AdminConfig     `mapstructure:"admin"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Provider    ProviderConfig  `mapstructure:"provider"`
	Ingestion   IngestionConfig `mapstructure:"ingestion"`
	Watchdog    WatchdogConfig  `mapstructure:"watchdog"`
	Streaming   StreamingConfig `mapstructure:"streaming"`
	Pricing     PricingConfig   `mapstructure:"pricing"`
	Log         LogConfig       `mapstructure:"log"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// LockStrategy is "native" (exclusive write transaction) or "optimistic" (compare-and-set).
	LockStrategy string `mapstructure:"lock_strategy"`
}

// StorageConfig holds staging configuration for uploaded artifacts
type StorageConfig struct {
	TmpDir      string `mapstructure:"tmp_dir"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// ProviderConfig holds file-search provider configuration
type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	DefaultModel  string        `mapstructure:"default_model"`
	AllowedModels []string      `mapstructure:"allowed_models"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	MockMode      bool          `mapstructure:"mock_mode"`
}

// IngestionConfig holds worker and polling configuration
type IngestionConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RedeliveryDelay   time.Duration `mapstructure:"redelivery_delay"`
	PollInitial       time.Duration `mapstructure:"poll_initial"`
	PollMax           time.Duration `mapstructure:"poll_max"`
	PollMultiplier    float64       `mapstructure:"poll_multiplier"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// WatchdogConfig holds stuck-job recovery configuration
type WatchdogConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
	// ResetTo is "error" or "pending".
	ResetTo string `mapstructure:"reset_to"`
}

// StreamingConfig holds query executor configuration
type StreamingConfig struct {
	MaxConcurrent          int           `mapstructure:"max_concurrent"`
	AdmissionWait          time.Duration `mapstructure:"admission_wait"`
	KeepaliveInterval      time.Duration `mapstructure:"keepalive_interval"`
	HandoffCapacity        int           `mapstructure:"handoff_capacity"`
	HistoryTurns           int           `mapstructure:"history_turns"`
	HistoryChars           int           `mapstructure:"history_chars"`
	RetryAttempts          int           `mapstructure:"retry_attempts"`
	RetryInitial           time.Duration `mapstructure:"retry_initial"`
	MaxQuestionChars       int           `mapstructure:"max_question_chars"`
	EnforceBudgetMidstream bool          `mapstructure:"enforce_budget_midstream"`
}

// ModelPrice is USD per million tokens
type ModelPrice struct {
	Input  float64 `mapstructure:"input"`
	Output float64 `mapstructure:"output"`
	Index  float64 `mapstructure:"index"`
}

// PricingConfig holds cost ledger configuration
type PricingConfig struct {
	Default ModelPrice            `mapstructure:"default"`
	Models  map[string]ModelPrice `mapstructure:"models"`
	// BudgetHold is reserved from the remaining monthly budget before a query is admitted.
	BudgetHold float64 `mapstructure:"budget_hold"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RateLimitConfig holds admin rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// FSRAG_PROVIDER_API_KEY -> provider.api_key
	v.SetEnvPrefix("FSRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults are well-formed; a decode error here is a programming error
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/fsrag.db")
	v.SetDefault("database.lock_strategy", "native")

	v.SetDefault("storage.tmp_dir", "./data/uploads")
	v.SetDefault("storage.max_file_size", 100<<20)

	v.SetDefault("provider.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.default_model", "gemini-2.5-flash")
	v.SetDefault("provider.allowed_models", []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.5-flash-lite"})
	v.SetDefault("provider.http_timeout", "60s")
	v.SetDefault("provider.retry_attempts", 3)
	v.SetDefault("provider.retry_initial", "1s")
	v.SetDefault("provider.mock_mode", false)

	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.queue_poll_interval", "1s")
	v.SetDefault("ingestion.visibility_timeout", "10m")
	v.SetDefault("ingestion.redelivery_delay", "30s")
	v.SetDefault("ingestion.poll_initial", "2s")
	v.SetDefault("ingestion.poll_max", "20s")
	v.SetDefault("ingestion.poll_multiplier", 1.5)
	v.SetDefault("ingestion.timeout", "180s")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval", "15m")
	v.SetDefault("watchdog.ttl", "60m")
	v.SetDefault("watchdog.reset_to", "error")

	v.SetDefault("streaming.max_concurrent", 50)
	v.SetDefault("streaming.admission_wait", "2s")
	v.SetDefault("streaming.keepalive_interval", "10s")
	v.SetDefault("streaming.handoff_capacity", 20)
	v.SetDefault("streaming.history_turns", 24)
	v.SetDefault("streaming.history_chars", 6000)
	v.SetDefault("streaming.retry_attempts", 3)
	v.SetDefault("streaming.retry_initial", "1s")
	v.SetDefault("streaming.max_question_chars", 32000)
	v.SetDefault("streaming.enforce_budget_midstream", false)

	v.SetDefault("pricing.default.input", 0.30)
	v.SetDefault("pricing.default.output", 2.50)
	v.SetDefault("pricing.default.index", 0.0015)
	v.SetDefault("pricing.budget_hold", 0.05)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 10)
	v.SetDefault("rate_limit.burst", 3)
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	switch {
	case c.Ingestion.Workers <= 0:
		return fmt.Errorf("ingestion.workers must be positive, got %d", c.Ingestion.Workers)
	case c.Ingestion.Timeout <= 0:
		return errors.New("ingestion.timeout must be positive")
	case c.Streaming.MaxConcurrent <= 0:
		return fmt.Errorf("streaming.max_concurrent must be positive, got %d", c.Streaming.MaxConcurrent)
	case c.Streaming.HandoffCapacity <= 0:
		return errors.New("streaming.handoff_capacity must be positive")
	case c.Streaming.RetryAttempts <= 0:
		return errors.New("streaming.retry_attempts must be positive")
	case c.Provider.DefaultModel == "":
		return errors.New("provider.default_model is required")
	case c.Provider.MockMode && c.Environment == "production":
		return errors.New("provider.mock_mode is not allowed in production")
	}

	// A lease that runs out mid-job hands the message to a second worker.
	if need := c.Ingestion.Timeout + c.UploadBudget(); c.Ingestion.VisibilityTimeout <= need {
		return fmt.Errorf("ingestion.visibility_timeout (%s) must exceed ingestion.timeout plus the upload retry budget (%s)",
			c.Ingestion.VisibilityTimeout, need)
	}

	switch c.Database.LockStrategy {
	case "native", "optimistic":
	default:
		return fmt.Errorf("database.lock_strategy must be native or optimistic, got %q", c.Database.LockStrategy)
	}

	switch c.Watchdog.ResetTo {
	case "error", "pending":
	default:
		return fmt.Errorf("watchdog.reset_to must be error or pending, got %q", c.Watchdog.ResetTo)
	}

	return nil
}

// UploadBudget is the longest an upload can take across its retries.
func (c *Config) UploadBudget() time.Duration {
	attempts := c.Provider.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * c.Provider.HTTPTimeout
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ModelAllowed reports whether model may be requested by callers.
func (c *Config) ModelAllowed(model string) bool {
	if model == c.Provider.DefaultModel {
		return true
	}
	for _, m := range c.Provider.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
