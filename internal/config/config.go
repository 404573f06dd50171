package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/A2gent/botdesk/internal/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DefaultMaxIterations   = 8
	DefaultHistoryLimit    = 20
	DefaultProviderTimeout = 120 * time.Second
)

// ProviderConfig holds completion provider settings
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the provider request timeout. It is always finite.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return DefaultProviderTimeout
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Config holds service configuration
type Config struct {
	DataPath string `yaml:"data_path"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Timezone string `yaml:"timezone"`

	DefaultModel   string  `yaml:"default_model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TopP           float64 `yaml:"top_p"`
	EnableThinking bool    `yaml:"enable_thinking"`
	ThinkingBudget int     `yaml:"thinking_budget"`
	SystemPrompt   string  `yaml:"system_prompt"`

	MaxIterations int `yaml:"max_iterations"`
	HistoryLimit  int `yaml:"history_limit"`

	Provider ProviderConfig `yaml:"provider"`
}

// Default returns the built-in configuration
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataPath:       filepath.Join(home, ".botdesk"),
		Port:           8080,
		LogLevel:       "info",
		Timezone:       "Local",
		DefaultModel:   "qwen-plus",
		Temperature:    0.7,
		MaxTokens:      2000,
		TopP:           0.8,
		ThinkingBudget: 1024,
		MaxIterations:  DefaultMaxIterations,
		HistoryLimit:   DefaultHistoryLimit,
		Provider: ProviderConfig{
			BaseURL:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
			TimeoutSeconds: int(DefaultProviderTimeout / time.Second),
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// an optional .env file and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to load .env: %v", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data path: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BOTDESK_DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if v := os.Getenv("BOTDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("BOTDESK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BOTDESK_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("BOTDESK_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.Provider.BaseURL = strings.TrimRight(v, "/")
	}
}

// Validate rejects settings the engines cannot run with
func (c *Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
