package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Logging     LoggingConfig     `toml:"logging"`
	Estimator   EstimatorConfig   `toml:"estimator"`
	Chunker     ChunkerConfig     `toml:"chunker"`
	Processor   ProcessorConfig   `toml:"processor"`
	Retry       RetryConfig       `toml:"retry"`
	Credentials CredentialsConfig `toml:"credentials"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Export      ExportConfig      `toml:"export"`
	Secrets     SecretsConfig     `toml:"secrets"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Gemini      GeminiConfig      `toml:"gemini"`
	Claude      ClaudeConfig      `toml:"claude"`
	LLM         LLMConfig         `toml:"llm"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`                   // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency" validate:"gte=1"`    // Number of jobs processed at once
	VisibilityTimeout string `toml:"visibility_timeout"`              // e.g., "10m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive" validate:"gte=1"`    // Max times a message can be received before it is dropped
	QueueName         string `toml:"queue_name" validate:"required"` // Queue key prefix in Badger
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05.000"
	CrashDir   string   `toml:"crash_dir"`   // Crash reports are written here
}

// EstimatorConfig controls token estimation
type EstimatorConfig struct {
	SampleSize    int     `toml:"sample_size" validate:"gte=1"`    // Rows sampled per estimate (default: 5)
	CharsPerToken int     `toml:"chars_per_token" validate:"gte=1"` // Fallback divisor when no provider is reachable
	MinVerbosity  float64 `toml:"min_verbosity"`
	MaxVerbosity  float64 `toml:"max_verbosity" validate:"gtfield=MinVerbosity"`
	MediumRisk    float64 `toml:"medium_risk" validate:"gt=0,lte=1"` // Fraction of max output above which risk is medium
}

type ChunkerConfig struct {
	ChunkSize int `toml:"chunk_size" validate:"gte=1"` // Default rows per chunk when the request does not set one
}

// ProcessorConfig controls the worker-side chunk processor
type ProcessorConfig struct {
	ChunkConcurrency int    `toml:"chunk_concurrency" validate:"gte=1"` // Chunks processed at once within one job (1 = serial)
	MaxOutputTokens  int    `toml:"max_output_tokens" validate:"gte=1"` // Ceiling per row request
	JobTimeout       string `toml:"job_timeout"`                        // Wall-clock limit per job

	// HeartbeatInterval is how often a running job is stamped and its task's
	// visibility extended. Keep it well below queue.visibility_timeout and
	// scheduler.stale_after.
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

type RetryConfig struct {
	MaxRetries        int     `toml:"max_retries" validate:"gte=0"`
	InitialBackoff    string  `toml:"initial_backoff"`
	MaxBackoff        string  `toml:"max_backoff"`
	BackoffMultiplier float64 `toml:"backoff_multiplier" validate:"gte=1"`
}

// CredentialsConfig controls the shared provider credential pool
type CredentialsConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"gt=0"` // Per API key
	Burst             int     `toml:"burst" validate:"gte=1"`
}

// SchedulerConfig controls the stale job reaper
type SchedulerConfig struct {
	Enabled        bool   `toml:"enabled"`
	ReaperSchedule string `toml:"reaper_schedule"` // Cron schedule with seconds field
	StaleAfter     string `toml:"stale_after"`     // RUNNING jobs without a heartbeat for this long are failed
}

type ExportConfig struct {
	Dir          string `toml:"dir"`
	IncludeInput bool   `toml:"include_input"`
}

// SecretsConfig holds the key used to open provider credentials at rest.
type SecretsConfig struct {
	Key string `toml:"key"` // base64 encoded 32 byte key
}

// CatalogConfig points at the optional seed file loaded on startup.
type CatalogConfig struct {
	SeedFile string `toml:"seed_file"` // .toml, .yaml or .yml
	EnvFile  string `toml:"env_file"`  // Extra {NAME} values for the seed; the process environment wins
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	Timeout string `toml:"timeout"` // Per request timeout (default: "2m")
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	Timeout string `toml:"timeout"` // Per request timeout (default: "2m")
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider" validate:"oneof=gemini claude"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "10m",
			MaxReceive:        3,
			QueueName:         "tablemind_jobs",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
			CrashDir:   "./logs",
		},
		Estimator: EstimatorConfig{
			SampleSize:    5,
			CharsPerToken: 4,
			MinVerbosity:  0.1,
			MaxVerbosity:  2.0,
			MediumRisk:    0.8,
		},
		Chunker: ChunkerConfig{
			ChunkSize: 50,
		},
		Processor: ProcessorConfig{
			ChunkConcurrency:  1, // Serial by default
			MaxOutputTokens:   1024,
			JobTimeout:        "2h",
			HeartbeatInterval: "1m",
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    "2s",
			MaxBackoff:        "60s",
			BackoffMultiplier: 2.0,
		},
		Credentials: CredentialsConfig{
			RequestsPerSecond: 2,
			Burst:             2,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			ReaperSchedule: "0 */1 * * * *", // Every minute
			StaleAfter:     "15m",
		},
		Catalog: CatalogConfig{
			EnvFile: ".env",
		},
		Export: ExportConfig{
			Dir:          "./data/exports",
			IncludeInput: true,
		},
		Gemini: GeminiConfig{
			Timeout: "2m",
		},
		Claude: ClaudeConfig{
			Timeout: "2m",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the struct tags and the duration strings.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: invalid configuration: %v", ErrValidation, err)
	}

	durations := map[string]string{
		"queue.poll_interval":          c.Queue.PollInterval,
		"queue.visibility_timeout":     c.Queue.VisibilityTimeout,
		"processor.job_timeout":        c.Processor.JobTimeout,
		"processor.heartbeat_interval": c.Processor.HeartbeatInterval,
		"retry.initial_backoff":        c.Retry.InitialBackoff,
		"retry.max_backoff":            c.Retry.MaxBackoff,
		"scheduler.stale_after":        c.Scheduler.StaleAfter,
		"gemini.timeout":               c.Gemini.Timeout,
		"claude.timeout":               c.Claude.Timeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%w: invalid duration for %s: %q", ErrValidation, name, value)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TABLEMIND_ENV"); env != "" {
		config.Environment = env
	}

	// Storage configuration
	if path := os.Getenv("TABLEMIND_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	// Queue configuration
	if v := os.Getenv("TABLEMIND_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("TABLEMIND_QUEUE_VISIBILITY_TIMEOUT"); v != "" {
		config.Queue.VisibilityTimeout = v
	}

	// Logging configuration
	if level := os.Getenv("TABLEMIND_LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if output := os.Getenv("TABLEMIND_LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.Split(output, ",")
	}

	// Processing configuration
	if v := os.Getenv("TABLEMIND_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Chunker.ChunkSize = n
		}
	}
	if v := os.Getenv("TABLEMIND_CHUNK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.ChunkConcurrency = n
		}
	}
	if v := os.Getenv("TABLEMIND_CREDENTIALS_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Credentials.RequestsPerSecond = f
		}
	}

	// Secrets and catalog
	if key := os.Getenv("TABLEMIND_SECRETS_KEY"); key != "" {
		config.Secrets.Key = key
	}
	if seed := os.Getenv("TABLEMIND_CATALOG_SEED_FILE"); seed != "" {
		config.Catalog.SeedFile = seed
	}

	if provider := os.Getenv("TABLEMIND_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(strings.ToLower(provider))
	}
}

// Duration parses a duration string, returning fallback when the value is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
