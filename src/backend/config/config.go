package config

import (
	"fmt"
	"path/filepath"
)

// StoreConfig holds mapping store configuration
type StoreConfig struct {
	Backend      string // Storage backend: "file", "sqlite" or "postgres"
	Path         string // File or SQLite database path (relative paths resolve under DataDir)
	Host         string // Postgres host
	Port         int    // Postgres port
	Database     string // Postgres database name
	Username     string // Postgres username
	Password     string // Postgres password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
}

// DetectorConfig holds entity detector configuration
type DetectorConfig struct {
	Name          string // Detector to use: "regex_detector" or "onnx_model_detector"
	ONNXModelPath string
	TokenizerPath string
	LabelMapPath  string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string  // Listen address, e.g. ":5002"
	RateLimit      float64 // Requests per second per client, 0 disables limiting
	RateBurst      int     // Burst size for the rate limiter
	ReadTimeoutSec int
}

// Config holds all configuration for the PII service
type Config struct {
	Server           ServerConfig
	Detector         DetectorConfig
	Store            StoreConfig
	DataDir          string  // Directory for mappings and word lists
	Language         string  // Language hint passed to detectors
	DefaultThreshold float64 // Score threshold applied when a request carries none
	PersonMergeGap   int     // Max bytes between PERSON spans merged into one
	SentryDSN        string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           ":5002",
			RateLimit:      20,
			RateBurst:      40,
			ReadTimeoutSec: 30,
		},
		Detector: DetectorConfig{
			Name:          "regex_detector",
			ONNXModelPath: "model/quantized/model_quantized.onnx",
			TokenizerPath: "model/quantized/tokenizer.json",
			LabelMapPath:  "model/quantized/label_map.json",
		},
		Store: StoreConfig{
			Backend:      "file",
			Path:         "pii_mappings.json",
			Host:         "localhost",
			Port:         5432,
			Database:     "pii",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
		},
		DataDir:          "data",
		Language:         "en",
		DefaultThreshold: 0.4,
		PersonMergeGap:   3,
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("default_threshold must be in [0, 1], got %g", c.DefaultThreshold)
	}
	switch c.Store.Backend {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q (want file, sqlite or postgres)", c.Store.Backend)
	}
	if c.PersonMergeGap < 0 {
		return fmt.Errorf("person_merge_gap must be >= 0, got %d", c.PersonMergeGap)
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port must not be empty")
	}
	return nil
}

// StorePath resolves the configured store path against DataDir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, c.Store.Path)
}

// IgnoreListPath returns the location of the ignore-list word file.
func (c *Config) IgnoreListPath() string {
	return filepath.Join(c.DataDir, "ignore_list.json")
}

// CustomNamesPath returns the location of the custom-names word file.
func (c *Config) CustomNamesPath() string {
	return filepath.Join(c.DataDir, "custom_names.json")
}
