package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/tungmaiv/lumikb-client/internal/reconnect"
)

type Config struct {
	BaseURL     string `yaml:"base_url"`
	APIToken    string `yaml:"api_token"`
	KBID        string `yaml:"kb_id"`
	Environment string `yaml:"environment"`
	// Client-local storage (undo mirror)
	StoragePath string `yaml:"storage_path"`
	// Logging
	LogDir      string `yaml:"log_dir"` // empty = stderr only
	LogMaxFiles int    `yaml:"log_max_files"`
	// Resilience tunables
	UndoTTLSeconds      int `yaml:"undo_ttl_seconds"`
	RetryBaseMs         int `yaml:"retry_base_ms"`
	RetryMaxDelayMs     int `yaml:"retry_max_delay_ms"`
	MaxRetries          int `yaml:"max_retries"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// Debug flags
	Debug bool `yaml:"debug"` // verbose logging, raw frame dumps
}

// Load reads the optional YAML config file (LUMIKB_CONFIG or ./lumikb.yaml),
// applies environment variable overrides on top, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:             "http://localhost:8080",
		Environment:         "dev",
		StoragePath:         defaultStoragePath(),
		LogMaxFiles:         5,
		UndoTTLSeconds:      30,
		RetryBaseMs:         500,
		RetryMaxDelayMs:     15000,
		MaxRetries:          5,
		PollIntervalSeconds: 5,
	}

	if err := loadFile(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	// Debug defaults to on outside prod
	if os.Getenv("LUMIKB_DEBUG") == "" && cfg.Environment != "prod" {
		cfg.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the resilience tunables are usable
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required,
			validation.By(func(interface{}) error {
				if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
					return fmt.Errorf("must be an http(s) URL")
				}
				return nil
			})),
		validation.Field(&c.KBID, validation.Required),
		validation.Field(&c.UndoTTLSeconds, validation.Min(1)),
		validation.Field(&c.RetryBaseMs, validation.Min(1)),
		validation.Field(&c.RetryMaxDelayMs, validation.Min(c.RetryBaseMs)),
		validation.Field(&c.MaxRetries, validation.Min(1)),
		validation.Field(&c.PollIntervalSeconds, validation.Min(1)),
	)
}

// RetryPolicy converts the tunables into the reconnection policy
func (c *Config) RetryPolicy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:    time.Duration(c.RetryBaseMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		MaxRetries:   c.MaxRetries,
		JitterFrac:   0.2,
		PollInterval: time.Duration(c.PollIntervalSeconds) * time.Second,
	}
}

// UndoTTL returns the undo window as a duration
func (c *Config) UndoTTL() time.Duration {
	return time.Duration(c.UndoTTLSeconds) * time.Second
}

func loadFile(cfg *Config) error {
	path := os.Getenv("LUMIKB_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "lumikb.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil // the file is optional unless explicitly pointed at
		}
		if explicit {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.BaseURL = getEnv("LUMIKB_BASE_URL", cfg.BaseURL)
	cfg.APIToken = getEnv("LUMIKB_API_TOKEN", cfg.APIToken)
	cfg.KBID = getEnv("LUMIKB_KB_ID", cfg.KBID)
	cfg.Environment = getEnv("LUMIKB_ENVIRONMENT", cfg.Environment)
	cfg.StoragePath = getEnv("LUMIKB_STORAGE_PATH", cfg.StoragePath)
	cfg.LogDir = getEnv("LUMIKB_LOG_DIR", cfg.LogDir)
	cfg.LogMaxFiles = getEnvInt("LUMIKB_LOG_MAX_FILES", cfg.LogMaxFiles)
	cfg.UndoTTLSeconds = getEnvInt("LUMIKB_UNDO_TTL_SECONDS", cfg.UndoTTLSeconds)
	cfg.RetryBaseMs = getEnvInt("LUMIKB_RETRY_BASE_MS", cfg.RetryBaseMs)
	cfg.RetryMaxDelayMs = getEnvInt("LUMIKB_RETRY_MAX_DELAY_MS", cfg.RetryMaxDelayMs)
	cfg.MaxRetries = getEnvInt("LUMIKB_MAX_RETRIES", cfg.MaxRetries)
	cfg.PollIntervalSeconds = getEnvInt("LUMIKB_POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	if v := os.Getenv("LUMIKB_DEBUG"); v != "" {
		cfg.Debug = v == "true" || v == "1"
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lumikb.db"
	}
	return home + "/.lumikb/client.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
