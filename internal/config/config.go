package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for AuditaScan
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Storage        StorageConfig        `yaml:"storage"`
	Cache          CacheConfig          `yaml:"cache"`
	Audit          AuditConfig          `yaml:"audit"`
	Export         ExportConfig         `yaml:"export"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Environment    string `yaml:"environment"`
	JWTSecret      string `yaml:"jwt_secret"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// ReconciliationConfig holds matcher configuration
type ReconciliationConfig struct {
	Workers int `yaml:"workers"`
	// rows below this count are reconciled inline
	ParallelThreshold int `yaml:"parallel_threshold"`
}

// PipelineConfig holds run orchestration configuration
type PipelineConfig struct {
	ParseConcurrency int `yaml:"parse_concurrency"`
}

// StorageConfig holds run persistence configuration
type StorageConfig struct {
	Backend  string `yaml:"backend"` // memory, sqlite, postgres
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// CacheConfig holds document cache configuration
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	MaxEvents  int  `yaml:"max_events"`
}

// ExportConfig holds workbook export configuration
type ExportConfig struct {
	SheetName      string  `yaml:"sheet_name"`
	MaxColumnWidth float64 `yaml:"max_column_width"`
}

// Default returns the configuration used when no file or variable overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3010,
			Environment:    "development",
			MaxUploadBytes: 64 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
		Reconciliation: ReconciliationConfig{
			Workers:           4,
			ParallelThreshold: 256,
		},
		Pipeline: PipelineConfig{
			ParseConcurrency: 4,
		},
		Storage: StorageConfig{
			Backend:  "memory",
			Path:     "./data",
			MaxConns: 10,
		},
		Cache: CacheConfig{
			Enabled:   false,
			URL:       "redis://localhost:6379",
			KeyPrefix: "auditascan",
			TTL:       24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1000,
			MaxEvents:  10000,
		},
		Export: ExportConfig{
			SheetName:      "Audit",
			MaxColumnWidth: 60,
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	d := Default()
	return &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", d.Server.Port),
			Environment:    getEnv("ENVIRONMENT", d.Server.Environment),
			JWTSecret:      getEnv("JWT_SECRET", ""),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", int(d.Server.MaxUploadBytes))),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", d.Log.Level),
		},
		Reconciliation: ReconciliationConfig{
			Workers:           getEnvInt("RECONCILIATION_WORKERS", d.Reconciliation.Workers),
			ParallelThreshold: getEnvInt("RECONCILIATION_PARALLEL_THRESHOLD", d.Reconciliation.ParallelThreshold),
		},
		Pipeline: PipelineConfig{
			ParseConcurrency: getEnvInt("PARSE_CONCURRENCY", d.Pipeline.ParseConcurrency),
		},
		Storage: StorageConfig{
			Backend:  getEnv("STORAGE_BACKEND", d.Storage.Backend),
			Path:     getEnv("STORAGE_PATH", d.Storage.Path),
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("DB_MAX_CONNS", d.Storage.MaxConns),
		},
		Cache: CacheConfig{
			Enabled:   getEnvBool("CACHE_ENABLED", d.Cache.Enabled),
			URL:       getEnv("REDIS_URL", d.Cache.URL),
			KeyPrefix: getEnv("CACHE_KEY_PREFIX", d.Cache.KeyPrefix),
			TTL:       getEnvDuration("CACHE_TTL", d.Cache.TTL),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("AUDIT_ENABLED", d.Audit.Enabled),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", d.Audit.BufferSize),
			MaxEvents:  getEnvInt("AUDIT_MAX_EVENTS", d.Audit.MaxEvents),
		},
		Export: ExportConfig{
			SheetName:      getEnv("EXPORT_SHEET_NAME", d.Export.SheetName),
			MaxColumnWidth: d.Export.MaxColumnWidth,
		},
	}
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.URL == "" {
		return fmt.Errorf("storage.url is required for the postgres backend")
	}
	if c.Reconciliation.Workers < 1 {
		return fmt.Errorf("reconciliation.workers must be at least 1")
	}
	if c.Pipeline.ParseConcurrency < 1 {
		return fmt.Errorf("pipeline.parse_concurrency must be at least 1")
	}
	if c.Export.SheetName == "" {
		return fmt.Errorf("export.sheet_name must not be empty")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
