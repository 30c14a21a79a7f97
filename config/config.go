// Package config loads conductor configuration from YAML. The loaded
// values become the immutable session snapshot; changing the file after
// a session starts does not affect sessions already running.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/conductor/llmbridge"
	"github.com/martinemde/conductor/orchestrator"
)

// Config holds all conductor configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	History  HistoryConfig  `yaml:"history"`
	LogLevel string         `yaml:"log_level"`
}

// ProviderConfig selects the model provider.
type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxIterations       int    `yaml:"max_iterations"`
	VerificationEnabled *bool  `yaml:"verification_enabled"`
	ParallelTools       *bool  `yaml:"parallel_tools"`
	SummarizeOnFinish   *bool  `yaml:"summarize_on_finish"`
	MaxToolRetries      int    `yaml:"max_tool_retries"`
	NudgeCeiling        int    `yaml:"nudge_ceiling"`
	SystemPrompt        string `yaml:"system_prompt"`
	Guidelines          string `yaml:"guidelines"`
}

// HistoryConfig selects conversation persistence.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Name:      "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		History:  HistoryConfig{Path: "conductor.db"},
		LogLevel: "info",
	}
}

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a flag) is checked first by FindConfig.
func DefaultSearchPaths() []string {
	paths := []string{"conductor.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conductor", "conductor.yaml"))
	}
	paths = append(paths, "/etc/conductor/conductor.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise the search paths are tried in order; an empty string
// with nil error means no file was found and defaults apply.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads and parses the config file at path, applying defaults for
// anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SessionConfig converts the agent section into the orchestrator's
// immutable session snapshot.
func (c Config) SessionConfig() orchestrator.SessionConfig {
	sc := orchestrator.DefaultSessionConfig()
	if c.Agent.MaxIterations > 0 {
		sc.MaxIterations = c.Agent.MaxIterations
	}
	if c.Agent.VerificationEnabled != nil {
		sc.VerificationEnabled = *c.Agent.VerificationEnabled
	}
	if c.Agent.ParallelTools != nil {
		sc.ParallelTools = *c.Agent.ParallelTools
	}
	if c.Agent.SummarizeOnFinish != nil {
		sc.SummarizeOnFinish = *c.Agent.SummarizeOnFinish
	}
	if c.Agent.MaxToolRetries > 0 {
		sc.MaxToolRetries = c.Agent.MaxToolRetries
	}
	if c.Agent.NudgeCeiling > 0 {
		sc.NudgeCeiling = c.Agent.NudgeCeiling
	}
	sc.SystemPrompt = c.Agent.SystemPrompt
	sc.Guidelines = c.Agent.Guidelines
	return sc
}

// ProviderConfig converts the provider section into the llmbridge form,
// resolving the API key from the configured environment variable.
func (c Config) LLMProviderConfig() llmbridge.ProviderConfig {
	apiKey := ""
	if c.Provider.APIKeyEnv != "" {
		apiKey = os.Getenv(c.Provider.APIKeyEnv)
	}
	return llmbridge.ProviderConfig{
		Provider:    c.Provider.Name,
		Model:       c.Provider.Model,
		APIKey:      apiKey,
		MaxTokens:   c.Provider.MaxTokens,
		Temperature: c.Provider.Temperature,
	}
}
