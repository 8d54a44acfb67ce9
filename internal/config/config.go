// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults used when the corresponding environment variables are unset.
const (
	DefaultCacheTTLMinutes = 1440 // 24 hours
	DefaultDataDir         = "./data"
	DefaultCacheDir        = "./data/cache"
)

// Config holds application configuration
type Config struct {
	DataDir            string        // Base directory for the data store (always absolute)
	CacheDir           string        // Reserved for file-based caches; cached objects currently live in the store's object_cache table (always absolute)
	CacheTTL           time.Duration // Object-cache time-to-live; 0 disables expiry
	OpenFIGIAPIKey     string        // Required for the seed pipeline
	ExchangeRateAPIKey string        // Required for the seed pipeline
	ArtifactURL        string        // Source for the download command (https:// or s3://)
	LogLevel           string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is honoured if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir, err := ensureDir(getEnv("DATA_DIR", DefaultDataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	cacheDir, err := ensureDir(getEnv("CACHE_DIR", DefaultCacheDir))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare cache directory: %w", err)
	}

	ttlMinutes := getEnvAsInt("CACHE_TTL_MINUTES", DefaultCacheTTLMinutes)
	if ttlMinutes < 0 {
		return nil, fmt.Errorf("CACHE_TTL_MINUTES must be non-negative, got %d", ttlMinutes)
	}

	cfg := &Config{
		DataDir:            dataDir,
		CacheDir:           cacheDir,
		CacheTTL:           time.Duration(ttlMinutes) * time.Minute,
		OpenFIGIAPIKey:     getEnv("OPENFIGI_API_KEY", ""),
		ExchangeRateAPIKey: getEnv("EXCHANGE_RATE_API_KEY", ""),
		ArtifactURL:        getEnv("ARTIFACT_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// ValidateForSeed checks the configuration required to run the full pipeline.
// Vendor API keys are only needed when seeding, so export/download skip this.
func (c *Config) ValidateForSeed() error {
	if c.OpenFIGIAPIKey == "" {
		return fmt.Errorf("OPENFIGI_API_KEY is required to run the pipeline")
	}
	if c.ExchangeRateAPIKey == "" {
		return fmt.Errorf("EXCHANGE_RATE_API_KEY is required to run the pipeline")
	}
	return nil
}

// StorePath returns the path of the single-file data store.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "data_store", "data_store.db")
}

// ExportPath returns the path of the exported canonical artifact.
func (c *Config) ExportPath() string {
	return filepath.Join(c.DataDir, "data_store", "canonical_equities.jsonl.gz")
}

// ensureDir resolves a directory to an absolute path and creates it.
func ensureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s to absolute path: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", abs, err)
	}
	return abs, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
