// Package config loads and validates the looper configuration: process-wide
// defaults for new loops, persistence settings, provider credentials, and
// metrics. Configuration comes from an optional YAML file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"looper/pkg/loop"
)

// ConfigDir is the per-project directory holding the database, secrets, and
// config file.
const ConfigDir = ".looper"

const configFileName = "looper.yaml"

// LoopDefaults are the values merged into create options that leave fields
// unset.
type LoopDefaults struct {
	MaxIterations          int    `yaml:"max_iterations"`
	MaxConsecutiveErrors   int    `yaml:"max_consecutive_errors"`
	ActivityTimeoutSeconds int    `yaml:"activity_timeout_seconds"`
	StopPattern            string `yaml:"stop_pattern"`
	BranchPrefix           string `yaml:"branch_prefix"`
	CommitPrefix           string `yaml:"commit_prefix"`
	Model                  string `yaml:"model"`
}

// AgentConfig holds LLM provider settings.
type AgentConfig struct {
	AnthropicKeyEnv string `yaml:"anthropic_key_env"`
	OpenAIKeyEnv    string `yaml:"openai_key_env"`
	GoogleKeyEnv    string `yaml:"google_key_env"`
	OllamaHost      string `yaml:"ollama_host"`
	MaxTokens       int    `yaml:"max_tokens"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the process configuration.
type Config struct {
	LogLevel           string        `yaml:"log_level"`
	DatabasePath       string        `yaml:"database_path"`
	PersistInterval    time.Duration `yaml:"persist_interval"`
	Defaults           LoopDefaults  `yaml:"defaults"`
	Agent              AgentConfig   `yaml:"agent"`
	Metrics            MetricsConfig `yaml:"metrics"`
	CheckoutRetries    int           `yaml:"checkout_retries"`
	CheckoutRetryDelay time.Duration `yaml:"checkout_retry_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		DatabasePath:    filepath.Join(ConfigDir, "looper.db"),
		PersistInterval: 5 * time.Second,
		Defaults: LoopDefaults{
			MaxIterations:          loop.DefaultMaxIterations,
			MaxConsecutiveErrors:   loop.DefaultMaxConsecutiveErrors,
			ActivityTimeoutSeconds: loop.DefaultActivityTimeoutSeconds,
			StopPattern:            loop.DefaultStopPattern,
			BranchPrefix:           loop.DefaultBranchPrefix,
			CommitPrefix:           loop.DefaultCommitPrefix,
			Model:                  "claude-sonnet-4-20250514",
		},
		Agent: AgentConfig{
			AnthropicKeyEnv: "ANTHROPIC_API_KEY",
			OpenAIKeyEnv:    "OPENAI_API_KEY",
			GoogleKeyEnv:    "GEMINI_API_KEY",
			OllamaHost:      "http://127.0.0.1:11434",
			MaxTokens:       8192,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddr:    ":9464",
			PrometheusURL: "http://127.0.0.1:9090",
		},
		CheckoutRetries:    3,
		CheckoutRetryDelay: 100 * time.Millisecond,
	}
}

// Load reads configuration for the given base directory. A missing config
// file is not an error; defaults apply.
func Load(baseDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(baseDir, ConfigDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides on top of file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOPER_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LOOPER_MODEL"); v != "" {
		cfg.Defaults.Model = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Agent.OllamaHost = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.PersistInterval <= 0 {
		return fmt.Errorf("persist_interval must be positive, got %s", c.PersistInterval)
	}
	if c.Defaults.MaxIterations <= 0 {
		return fmt.Errorf("defaults.max_iterations must be positive, got %d", c.Defaults.MaxIterations)
	}
	if c.Defaults.StopPattern == "" {
		return fmt.Errorf("defaults.stop_pattern must not be empty")
	}
	if c.CheckoutRetries <= 0 {
		return fmt.Errorf("checkout_retries must be positive, got %d", c.CheckoutRetries)
	}
	return nil
}

// Save writes the configuration to the config file under baseDir.
func (c *Config) Save(baseDir string) error {
	dir := filepath.Join(baseDir, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
