package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Logging     LoggingConfig  `toml:"logging"`
	Batch       BatchConfig    `toml:"batch"`
	Search      SearchConfig   `toml:"search"`
	Crawler     CrawlerConfig  `toml:"crawler"`
	Telegram    TelegramConfig `toml:"telegram"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// BatchConfig controls the LLM batch accumulation lifecycle.
type BatchConfig struct {
	MaxBatchBytes   int64  `toml:"max_batch_bytes"`  // Size cap per batch job
	IdleSeconds     int    `toml:"idle_seconds"`     // Quiescence before forced rollover
	TickSeconds     int    `toml:"tick_seconds"`     // Scheduler period
	ProviderModel   string `toml:"provider_model"`   // Model identifier sent with every batch
	ProviderTimeout string `toml:"provider_timeout"` // Per-call deadline for provider upload/download
	StoreTimeout    string `toml:"store_timeout"`    // Per-call deadline for store operations
	GoogleAPIKey    string `toml:"google_api_key"`   // Gemini API key (VIGIL_GOOGLE_API_KEY)
}

type SearchConfig struct {
	APIKey         string `toml:"api_key"`          // Google Custom Search API key
	SearchEngineID string `toml:"search_engine_id"` // Custom Search Engine ID (cx)
	ResultLimit    int    `toml:"result_limit"`     // Max results per keyword
	RateLimit      string `toml:"rate_limit"`       // Minimum interval between CSE requests
	RequestTimeout string `toml:"request_timeout"`
}

type CrawlerConfig struct {
	UserAgent      string `toml:"user_agent"`
	MaxRetries     int    `toml:"max_retries"`
	RequestTimeout string `toml:"request_timeout"` // First attempt timeout, grows per retry
}

type TelegramConfig struct {
	Enabled bool `toml:"enabled"` // When false, fan-out tasks are logged and acked
}

// ProviderTimeoutDuration parses the provider timeout, falling back to 60s.
func (b *BatchConfig) ProviderTimeoutDuration() time.Duration {
	return ParseDurationOr(b.ProviderTimeout, 60*time.Second)
}

// StoreTimeoutDuration parses the store timeout, falling back to 10s.
func (b *BatchConfig) StoreTimeoutDuration() time.Duration {
	return ParseDurationOr(b.StoreTimeout, 10*time.Second)
}

// IdleWindow returns the quiescence window before forced rollover.
func (b *BatchConfig) IdleWindow() time.Duration {
	if b.IdleSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(b.IdleSeconds) * time.Second
}

// TickInterval returns the scheduler period.
func (b *BatchConfig) TickInterval() time.Duration {
	if b.TickSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TickSeconds) * time.Second
}

func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/vigil",
				ResetOnStartup: false,
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Batch: BatchConfig{
			MaxBatchBytes:   1 << 30, // 1 GiB
			IdleSeconds:     120,
			TickSeconds:     60,
			ProviderModel:   "models/gemini-2.0-flash",
			ProviderTimeout: "60s",
			StoreTimeout:    "10s",
		},
		Search: SearchConfig{
			ResultLimit:    10,
			RateLimit:      "1s",
			RequestTimeout: "10s",
		},
		Crawler: CrawlerConfig{
			UserAgent:      "Mozilla/5.0 (compatible; vigil/1.0)",
			MaxRetries:     3,
			RequestTimeout: "1s",
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
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

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VIGIL_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("VIGIL_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VIGIL_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("VIGIL_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Queue configuration
	if pollInterval := os.Getenv("VIGIL_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("VIGIL_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("VIGIL_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}

	// Logging configuration
	if level := os.Getenv("VIGIL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VIGIL_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Batch configuration
	if maxBytes := os.Getenv("VIGIL_MAX_BATCH_BYTES"); maxBytes != "" {
		if b, err := strconv.ParseInt(maxBytes, 10, 64); err == nil && b > 0 {
			config.Batch.MaxBatchBytes = b
		}
	}
	if idle := os.Getenv("VIGIL_IDLE_SECONDS"); idle != "" {
		if s, err := strconv.Atoi(idle); err == nil && s > 0 {
			config.Batch.IdleSeconds = s
		}
	}
	if tick := os.Getenv("VIGIL_TICK_SECONDS"); tick != "" {
		if s, err := strconv.Atoi(tick); err == nil && s > 0 {
			config.Batch.TickSeconds = s
		}
	}
	if model := os.Getenv("VIGIL_PROVIDER_MODEL"); model != "" {
		config.Batch.ProviderModel = model
	}
	if timeout := os.Getenv("VIGIL_PROVIDER_TIMEOUT"); timeout != "" {
		config.Batch.ProviderTimeout = timeout
	}
	if timeout := os.Getenv("VIGIL_STORE_TIMEOUT"); timeout != "" {
		config.Batch.StoreTimeout = timeout
	}
	if key := os.Getenv("VIGIL_GOOGLE_API_KEY"); key != "" {
		config.Batch.GoogleAPIKey = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" && config.Batch.GoogleAPIKey == "" {
		config.Batch.GoogleAPIKey = key
	}

	// Search configuration
	if key := os.Getenv("VIGIL_SEARCH_API_KEY"); key != "" {
		config.Search.APIKey = key
	}
	if cx := os.Getenv("VIGIL_SEARCH_ENGINE_ID"); cx != "" {
		config.Search.SearchEngineID = cx
	}
}
