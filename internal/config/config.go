package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr      = ":8080"
	defaultBatchMaxBytes = 4 << 20 // 4 MiB
	defaultIngestRate    = 0       // 0 disables the limiter
	defaultShutdownGrace = "15s"
)

// ErrStorageURLEmpty is returned when storage_url is not configured.
var ErrStorageURLEmpty = errors.New("config: storage_url cannot be empty")

// ErrAPITokenEmpty is returned when api_token is not configured; without it
// every authenticated endpoint would accept no token at all.
var ErrAPITokenEmpty = errors.New("config: api_token cannot be empty")

// Config holds every option recognized by the ingest front-end (§4.6).
type Config struct {
	BindAddr        string     `yaml:"bind_addr"`
	StorageURL      string     `yaml:"storage_url"`
	APIToken        string     `yaml:"api_token"`
	LogLevel        slog.Level `yaml:"-"`
	BatchMaxBytes   int64      `yaml:"batch_max_bytes"`
	IngestRateLimit int        `yaml:"ingest_rate_limit"`
	ShutdownGrace   string     `yaml:"shutdown_grace"`
}

// Load builds a Config from environment variables, using file as an
// optional YAML base layer that environment variables override. Pass an
// empty file to load purely from the environment.
func Load(file string) (*Config, error) {
	cfg := &Config{
		BindAddr:        defaultBindAddr,
		BatchMaxBytes:   defaultBatchMaxBytes,
		IngestRateLimit: defaultIngestRate,
		LogLevel:        slog.LevelInfo,
		ShutdownGrace:   defaultShutdownGrace,
	}

	if file != "" {
		if err := loadYAMLFile(file, cfg); err != nil {
			return nil, err
		}
	}

	cfg.BindAddr = GetEnvStr("FACTENGINE_BIND_ADDR", cfg.BindAddr)
	cfg.StorageURL = GetEnvStr("FACTENGINE_STORAGE_URL", cfg.StorageURL)
	cfg.APIToken = GetEnvStr("FACTENGINE_API_TOKEN", cfg.APIToken)
	cfg.LogLevel = GetEnvLogLevel("FACTENGINE_LOG_LEVEL", cfg.LogLevel)
	cfg.BatchMaxBytes = GetEnvInt64("FACTENGINE_BATCH_MAX_BYTES", cfg.BatchMaxBytes)
	cfg.IngestRateLimit = GetEnvInt("FACTENGINE_INGEST_RATE_LIMIT", cfg.IngestRateLimit)
	cfg.ShutdownGrace = GetEnvStr("FACTENGINE_SHUTDOWN_GRACE", cfg.ShutdownGrace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadYAMLFile decodes a YAML config file into cfg. A missing file is not
// an error: the environment is always a valid source on its own.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageURL) == "" {
		return ErrStorageURLEmpty
	}

	if strings.TrimSpace(c.APIToken) == "" {
		return ErrAPITokenEmpty
	}

	return nil
}
