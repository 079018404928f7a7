// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for iris.
//
// Sources in order of precedence:
//   - Environment variables (IRIS_*, TAVILY_API_KEY, API_PORT, ...)
//   - ~/.iris/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/iris-desktop/iris-core/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete iris configuration.
type Config struct {
	Version string `toml:"version"`

	Inference InferenceConfig `toml:"inference"`
	Search    SearchConfig    `toml:"search"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Storage   StorageConfig   `toml:"storage"`
}

// InferenceConfig configures the local model backend.
type InferenceConfig struct {
	// OllamaURL is the backend base URL.
	OllamaURL string `toml:"ollama_url"`
	// Model is the default model tag.
	Model string `toml:"model"`
	// Temperature is the default sampling temperature.
	Temperature float64 `toml:"temperature"`
	// MaxTokens bounds one response; -1 means unlimited.
	MaxTokens int `toml:"max_tokens"`
	// ContextTokens bounds the assembled prompt.
	ContextTokens int `toml:"context_tokens"`
	// SystemPrompt is sent with every request.
	SystemPrompt string `toml:"system_prompt"`
}

// SearchConfig configures the search sidecar.
type SearchConfig struct {
	// TavilyAPIKey authenticates the upstream search provider.
	TavilyAPIKey string `toml:"tavily_api_key"`
	// SidecarPort is the local sidecar listen port.
	SidecarPort int `toml:"sidecar_port"`
	// Model is the model tag echoed in search responses.
	Model string `toml:"model"`
	// ResultCount is the default number of hits per query.
	ResultCount int `toml:"result_count"`
}

// TelemetryConfig configures host power sampling.
type TelemetryConfig struct {
	// IdleWatts and MaxWatts bound the power estimate.
	IdleWatts float64 `toml:"idle_watts"`
	MaxWatts  float64 `toml:"max_watts"`
	// PollIntervalSecs is the sampling cadence.
	PollIntervalSecs int `toml:"poll_interval_secs"`
}

// StorageConfig configures session persistence.
type StorageConfig struct {
	// Backend picks the KV: "file" or "sqlite".
	Backend string `toml:"backend"`
	// Dir is the session directory (file backend) or the directory that
	// holds the database file (sqlite backend).
	Dir string `toml:"dir"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Inference: InferenceConfig{
			OllamaURL:     "http://127.0.0.1:11434",
			Model:         "llama3.2:3b",
			Temperature:   0.7,
			MaxTokens:     -1,
			ContextTokens: 8192,
		},
		Search: SearchConfig{
			SidecarPort: 8000,
			Model:       "tavily-web",
			ResultCount: 5,
		},
		Telemetry: TelemetryConfig{
			IdleWatts:        15,
			MaxWatts:         65,
			PollIntervalSecs: 5,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the iris configuration directory (~/.iris).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".iris"), nil
}

// ConfigPath returns the TOML configuration file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads ~/.iris/config.toml (if present), fills defaults, and applies
// environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration atomically.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o600)
}

// =============================================================================
// DEFAULTS AND VALIDATION
// =============================================================================

// SetDefaults fills zero values with the built-in defaults.
func (c *Config) SetDefaults() {
	def := Default()

	if c.Version == "" {
		c.Version = def.Version
	}
	if c.Inference.OllamaURL == "" {
		c.Inference.OllamaURL = def.Inference.OllamaURL
	}
	if c.Inference.Model == "" {
		c.Inference.Model = def.Inference.Model
	}
	if c.Inference.Temperature == 0 {
		c.Inference.Temperature = def.Inference.Temperature
	}
	if c.Inference.MaxTokens == 0 {
		c.Inference.MaxTokens = def.Inference.MaxTokens
	}
	if c.Inference.ContextTokens == 0 {
		c.Inference.ContextTokens = def.Inference.ContextTokens
	}
	if c.Search.SidecarPort == 0 {
		c.Search.SidecarPort = def.Search.SidecarPort
	}
	if c.Search.Model == "" {
		c.Search.Model = def.Search.Model
	}
	if c.Search.ResultCount == 0 {
		c.Search.ResultCount = def.Search.ResultCount
	}
	if c.Telemetry.IdleWatts == 0 {
		c.Telemetry.IdleWatts = def.Telemetry.IdleWatts
	}
	if c.Telemetry.MaxWatts == 0 {
		c.Telemetry.MaxWatts = def.Telemetry.MaxWatts
	}
	if c.Telemetry.PollIntervalSecs == 0 {
		c.Telemetry.PollIntervalSecs = def.Telemetry.PollIntervalSecs
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Search.SidecarPort < 1 || c.Search.SidecarPort > 65535 {
		return fmt.Errorf("invalid sidecar port %d", c.Search.SidecarPort)
	}
	if c.Telemetry.MaxWatts < c.Telemetry.IdleWatts {
		return fmt.Errorf("telemetry max_watts %.1f below idle_watts %.1f",
			c.Telemetry.MaxWatts, c.Telemetry.IdleWatts)
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", c.Inference.Temperature)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variables over file values. The
// TAVILY_API_KEY / API_PORT / API_MODEL / POWER_*_WATTS names match the
// sidecar's historical environment.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		c.Search.TavilyAPIKey = key
	}
	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Search.SidecarPort = p
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: invalid API_PORT %q, keeping %d\n", port, c.Search.SidecarPort)
		}
	}
	if model := os.Getenv("API_MODEL"); model != "" {
		c.Search.Model = model
	}
	if idle := os.Getenv("POWER_IDLE_WATTS"); idle != "" {
		if v, err := strconv.ParseFloat(idle, 64); err == nil {
			c.Telemetry.IdleWatts = v
		}
	}
	if max := os.Getenv("POWER_MAX_WATTS"); max != "" {
		if v, err := strconv.ParseFloat(max, 64); err == nil {
			c.Telemetry.MaxWatts = v
		}
	}

	if model := os.Getenv("IRIS_MODEL"); model != "" {
		c.Inference.Model = model
	}
	if url := os.Getenv("IRIS_OLLAMA_URL"); url != "" {
		c.Inference.OllamaURL = url
	}
	if backend := os.Getenv("IRIS_STORAGE"); backend != "" {
		c.Storage.Backend = backend
	}
	if dir := os.Getenv("IRIS_STORAGE_DIR"); dir != "" {
		c.Storage.Dir = dir
	}
}
