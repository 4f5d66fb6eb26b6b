// Package config carries the runtime configuration for the paperstore
// service and its packages. Values come from defaults, an optional YAML
// file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ExtractorMode selects the structure extractor implementation.
const (
	ExtractorModeRules = "rules"
	ExtractorModeLLM   = "llm"
)

// Config holds all configuration for the paperstore service
type Config struct {
	// Service configuration
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// Byte store and ledger location
	CacheDir string

	// Acquisition pipeline configuration
	MaxWorkers int

	// Fetcher configuration
	Fetch FetchConfig

	// Structure extractor configuration
	ExtractorMode string

	// LLM completion backend (used when ExtractorMode is "llm")
	LLM LLMConfig

	// Cache retention policy applied by the cleanup endpoint
	Cleanup CleanupConfig
}

// FetchConfig holds download behavior settings
type FetchConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	RatePerSecond  float64
	RateBurst      int
	BreakerEnabled bool
}

// LLMConfig holds completion client settings
type LLMConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// CleanupConfig holds the default eviction policy
type CleanupConfig struct {
	MaxAge        time.Duration
	MaxTotalBytes int64
}

// fileConfig is the YAML file shape. Durations are strings in Go
// duration syntax ("30s", "48h") so the file stays hand-editable.
type fileConfig struct {
	Port            int    `yaml:"port"`
	LogLevel        string `yaml:"log_level"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	RequestTimeout  string `yaml:"request_timeout"`

	CacheDir   string `yaml:"cache_dir"`
	MaxWorkers int    `yaml:"max_workers"`

	Fetch struct {
		Timeout        string  `yaml:"timeout"`
		MaxRetries     int     `yaml:"max_retries"`
		InitialBackoff string  `yaml:"initial_backoff"`
		MaxBackoff     string  `yaml:"max_backoff"`
		MaxBodyBytes   int64   `yaml:"max_body_bytes"`
		UserAgent      string  `yaml:"user_agent"`
		RatePerSecond  float64 `yaml:"rate_per_second"`
		RateBurst      int     `yaml:"rate_burst"`
		BreakerEnabled bool    `yaml:"breaker_enabled"`
	} `yaml:"fetch"`

	ExtractorMode string `yaml:"extractor_mode"`

	LLM struct {
		Endpoint    string  `yaml:"endpoint"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		Timeout     string  `yaml:"timeout"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Cleanup struct {
		MaxAge        string `yaml:"max_age"`
		MaxTotalBytes int64  `yaml:"max_total_bytes"`
	} `yaml:"cleanup"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		RequestTimeout:  5 * time.Minute,

		CacheDir:   "./paper_cache",
		MaxWorkers: 4,

		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			MaxBodyBytes:   100 * 1024 * 1024, // 100MB
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			RatePerSecond:  0, // unlimited
			RateBurst:      1,
			BreakerEnabled: false,
		},

		ExtractorMode: ExtractorModeRules,

		LLM: LLMConfig{
			Endpoint:    "http://localhost:8081/v1/chat/completions",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   1000,
			Temperature: 0.1,
		},

		Cleanup: CleanupConfig{
			MaxAge:        30 * 24 * time.Hour,
			MaxTotalBytes: 5000 * 1024 * 1024, // 5000MB
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Load reads the optional YAML file at path, then applies environment
// overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := file.apply(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// apply overlays the file values onto cfg. Unset fields keep their
// defaults; a malformed duration fails the load.
func (f *fileConfig) apply(cfg *Config) error {
	if f.Port > 0 {
		cfg.Port = f.Port
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if err := parseDuration("shutdown_timeout", f.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := parseDuration("request_timeout", f.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return err
	}

	if f.CacheDir != "" {
		cfg.CacheDir = f.CacheDir
	}
	if f.MaxWorkers > 0 {
		cfg.MaxWorkers = f.MaxWorkers
	}

	if err := parseDuration("fetch.timeout", f.Fetch.Timeout, &cfg.Fetch.Timeout); err != nil {
		return err
	}
	if f.Fetch.MaxRetries > 0 {
		cfg.Fetch.MaxRetries = f.Fetch.MaxRetries
	}
	if err := parseDuration("fetch.initial_backoff", f.Fetch.InitialBackoff, &cfg.Fetch.InitialBackoff); err != nil {
		return err
	}
	if err := parseDuration("fetch.max_backoff", f.Fetch.MaxBackoff, &cfg.Fetch.MaxBackoff); err != nil {
		return err
	}
	if f.Fetch.MaxBodyBytes > 0 {
		cfg.Fetch.MaxBodyBytes = f.Fetch.MaxBodyBytes
	}
	if f.Fetch.UserAgent != "" {
		cfg.Fetch.UserAgent = f.Fetch.UserAgent
	}
	if f.Fetch.RatePerSecond > 0 {
		cfg.Fetch.RatePerSecond = f.Fetch.RatePerSecond
	}
	if f.Fetch.RateBurst > 0 {
		cfg.Fetch.RateBurst = f.Fetch.RateBurst
	}
	cfg.Fetch.BreakerEnabled = f.Fetch.BreakerEnabled

	if f.ExtractorMode != "" {
		cfg.ExtractorMode = strings.ToLower(f.ExtractorMode)
	}

	if f.LLM.Endpoint != "" {
		cfg.LLM.Endpoint = f.LLM.Endpoint
	}
	if f.LLM.APIKey != "" {
		cfg.LLM.APIKey = f.LLM.APIKey
	}
	if f.LLM.Model != "" {
		cfg.LLM.Model = f.LLM.Model
	}
	if err := parseDuration("llm.timeout", f.LLM.Timeout, &cfg.LLM.Timeout); err != nil {
		return err
	}
	if f.LLM.MaxTokens > 0 {
		cfg.LLM.MaxTokens = f.LLM.MaxTokens
	}
	if f.LLM.Temperature > 0 {
		cfg.LLM.Temperature = f.LLM.Temperature
	}

	if err := parseDuration("cleanup.max_age", f.Cleanup.MaxAge, &cfg.Cleanup.MaxAge); err != nil {
		return err
	}
	if f.Cleanup.MaxTotalBytes > 0 {
		cfg.Cleanup.MaxTotalBytes = f.Cleanup.MaxTotalBytes
	}

	return nil
}

// parseDuration applies a duration string onto dst when set.
func parseDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format '%s': %w", name, value, err)
	}
	*dst = d
	return nil
}

// applyEnv overrides fields from environment variables when set
func (c *Config) applyEnv() {
	if val := os.Getenv("PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Port = i
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv("SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}

	if val := os.Getenv("REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.RequestTimeout = d
		}
	}

	if val := os.Getenv("CACHE_DIR"); val != "" {
		c.CacheDir = val
	}

	if val := os.Getenv("MAX_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			c.MaxWorkers = i
		}
		// Ignore parse errors, will use default
	}

	if val := os.Getenv("FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.Timeout = d
		}
	}

	if val := os.Getenv("FETCH_MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			c.Fetch.MaxRetries = i
		}
	}

	if val := os.Getenv("FETCH_INITIAL_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.InitialBackoff = d
		}
	}

	if val := os.Getenv("FETCH_MAX_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.MaxBackoff = d
		}
	}

	if val := os.Getenv("FETCH_MAX_BODY_BYTES"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil && i > 0 {
			c.Fetch.MaxBodyBytes = i
		}
	}

	if val := os.Getenv("FETCH_USER_AGENT"); val != "" {
		c.Fetch.UserAgent = val
	}

	if val := os.Getenv("FETCH_RATE_PER_SECOND"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 {
			c.Fetch.RatePerSecond = f
		}
	}

	if val := os.Getenv("FETCH_RATE_BURST"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			c.Fetch.RateBurst = i
		}
	}

	if val := os.Getenv("FETCH_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Fetch.BreakerEnabled = b
		}
	}

	if val := os.Getenv("EXTRACTOR_MODE"); val != "" {
		c.ExtractorMode = strings.ToLower(val)
	}

	if val := os.Getenv("LLM_ENDPOINT"); val != "" {
		c.LLM.Endpoint = val
	}

	if val := os.Getenv("LLM_API_KEY"); val != "" {
		c.LLM.APIKey = val
	}

	if val := os.Getenv("LLM_MODEL"); val != "" {
		c.LLM.Model = val
	}

	if val := os.Getenv("LLM_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LLM.Timeout = d
		}
	}

	if val := os.Getenv("LLM_MAX_TOKENS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			c.LLM.MaxTokens = i
		}
	}

	if val := os.Getenv("CACHE_MAX_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cleanup.MaxAge = d
		}
	}

	if val := os.Getenv("CACHE_MAX_BYTES"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cleanup.MaxTotalBytes = i
		}
	}
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	var errors []string

	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, fmt.Sprintf("port %d is out of range", c.Port))
	}

	if c.CacheDir == "" {
		errors = append(errors, "CACHE_DIR must not be empty")
	}

	if c.MaxWorkers < 1 {
		errors = append(errors, "MAX_WORKERS must be at least 1")
	}

	if c.Fetch.Timeout <= 0 {
		errors = append(errors, "FETCH_TIMEOUT must be positive")
	}

	if c.Fetch.MaxRetries < 1 {
		errors = append(errors, "FETCH_MAX_RETRIES must be at least 1")
	}

	if c.Fetch.InitialBackoff <= 0 {
		errors = append(errors, "FETCH_INITIAL_BACKOFF must be positive")
	}

	switch c.ExtractorMode {
	case ExtractorModeRules, ExtractorModeLLM:
	default:
		errors = append(errors, fmt.Sprintf("EXTRACTOR_MODE %q is not one of rules, llm", c.ExtractorMode))
	}

	if c.ExtractorMode == ExtractorModeLLM && c.LLM.Endpoint == "" {
		errors = append(errors, "LLM_ENDPOINT is required when EXTRACTOR_MODE is llm")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
