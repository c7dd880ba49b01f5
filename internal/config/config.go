// Package config loads relay configuration from ~/.taskrelay/config.yaml
// with environment overrides. Env always wins over file values.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	otelx "github.com/basket/taskrelay/internal/otel"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// CORSConfig controls cross-origin access for the REST API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken protects mutating endpoints. Empty means the relay is open,
	// which is the expected mode for localhost deployments.
	AuthToken string `yaml:"auth_token"`

	// DBPath overrides the default transcript database location.
	DBPath string `yaml:"db_path"`

	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	// SystemMessage seeds every session's conversation. Empty uses the
	// engine's built-in default.
	SystemMessage string `yaml:"system_message"`

	// MaxRounds caps the engine conversation loop per session.
	MaxRounds int `yaml:"max_rounds"`

	// JanitorSchedule is a cron expression for the orphan sweep.
	JanitorSchedule string `yaml:"janitor_schedule"`

	// Providers holds per-provider API keys and custom endpoints.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxBodyBytes limits request body size. 0 uses the default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	CORS CORSConfig  `yaml:"cors"`
	OTel otelx.Config `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("TASKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay")
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		DefaultProvider: "openrouter",
		DefaultModel:    "openai/gpt-4o-mini",
		MaxRounds:       12,
		JanitorSchedule: "*/5 * * * *",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openrouter"
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "openai/gpt-4o-mini"
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 12
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "*/5 * * * *"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskrelay.db")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRELAY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKRELAY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKRELAY_DEFAULT_PROVIDER"); raw != "" {
		cfg.DefaultProvider = raw
	}
	if raw := os.Getenv("TASKRELAY_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw := os.Getenv("TASKRELAY_MAX_ROUNDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRounds = v
		}
	}
	if raw := os.Getenv("TASKRELAY_JANITOR_SCHEDULE"); raw != "" {
		cfg.JanitorSchedule = raw
	}
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"groq":       "GROQ_API_KEY",
		"deepseek":   "DEEPSEEK_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		return c.Providers[provider].APIKey
	}
	return ""
}

// Fingerprint returns a stable hash of the active config, exposed on the
// health endpoint so operators can tell which config a relay is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|rounds=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.DefaultProvider, c.DefaultModel, c.MaxRounds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
