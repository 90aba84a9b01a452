// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads server configuration from flags, environment
// variables, a YAML config file and defaults, in that priority order, via
// viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the base name (without extension) viper
// searches for.
const DefaultConfigFileName = "relaycore"

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Database DatabaseConfig `mapstructure:"database"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LLMConfig holds provider adapter configuration. Only Anthropic is
// wired; AnthropicAPIKey has no default and is read from
// llm.anthropic_api_key, with the ANTHROPIC_API_KEY environment variable
// used only when that key is empty.
type LLMConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	DefaultModel    string `mapstructure:"default_model"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	RetryBaseMs     int    `mapstructure:"retry_base_ms"`
	RetryMaxMs      int    `mapstructure:"retry_max_ms"`
	RetryMaxAttempt int    `mapstructure:"retry_max_attempts"`

	// ContextMarginTokens is the token reserve the engine protects when
	// deciding a response has exhausted the model's context window.
	ContextMarginTokens int `mapstructure:"context_margin_tokens"`

	// ModelCatalogPath points at an optional YAML file listing the models
	// GET /api/models advertises along with their context windows. Empty
	// uses DefaultModelCatalog.
	ModelCatalogPath string `mapstructure:"model_catalog_path"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RuntimeConfig holds conversation-manager tuning.
type RuntimeConfig struct {
	WorkingDirRoot      string `mapstructure:"working_dir_root"`
	SubAgentTimeoutS    int    `mapstructure:"sub_agent_timeout_seconds"`
	NotifierBuffer      int    `mapstructure:"notifier_buffer"`
	BrowserIdleTimeoutS int    `mapstructure:"browser_idle_timeout_seconds"`
}

// LoggingConfig holds zap logger configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// Load loads configuration from cfgFile (if non-empty), the current
// directory, and $HOME/.relaycore, falling back to environment variables
// (prefixed RELAYCORE_) and defaults. Priority: flags the caller applies
// after Load > env vars > config file > defaults.
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".relaycore"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix("RELAYCORE")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.LLM.AnthropicAPIKey == "" {
		cfg.LLM.AnthropicAPIKey = key
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8088)

	viper.SetDefault("llm.default_model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("llm.timeout_seconds", 120)
	viper.SetDefault("llm.retry_base_ms", 500)
	viper.SetDefault("llm.retry_max_ms", 30000)
	viper.SetDefault("llm.retry_max_attempts", 3)
	viper.SetDefault("llm.context_margin_tokens", 4096)
	viper.SetDefault("llm.model_catalog_path", "")

	home, _ := os.UserHomeDir()
	viper.SetDefault("database.path", filepath.Join(home, ".relaycore", "relaycore.db"))

	viper.SetDefault("runtime.working_dir_root", filepath.Join(home, ".relaycore", "workspaces"))
	viper.SetDefault("runtime.sub_agent_timeout_seconds", 600)
	viper.SetDefault("runtime.notifier_buffer", 64)
	viper.SetDefault("runtime.browser_idle_timeout_seconds", 900)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// Validate checks the fields Load cannot default its way around.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.LLM.AnthropicAPIKey == "" {
		return fmt.Errorf("config: llm.anthropic_api_key is required (set ANTHROPIC_API_KEY)")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	return nil
}
