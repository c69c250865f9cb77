// Package config loads the YAML runtime configuration and manages the data
// directory: auth.json, settings.json, sessions/, logs/.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// FileConfig is the YAML configuration file.
type FileConfig struct {
	// Provider selects the LLM backend: "openai" or "copilot".
	Provider string `yaml:"provider"`

	// Model is the model identifier, e.g. "gpt-4o".
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint (proxies, self-hosted).
	BaseURL string `yaml:"base_url"`

	// APIKey is the provider credential. Supports ${ENV_VAR} expansion;
	// falls back to auth.json when empty.
	APIKey string `yaml:"api_key"`

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length per turn.
	MaxTokens int `yaml:"max_tokens"`

	// ThinkingLevel is "", "low", "medium", or "high".
	ThinkingLevel string `yaml:"thinking_level"`

	// WorkDir is the agent's working directory. Default: cwd.
	WorkDir string `yaml:"work_dir"`

	// DataDir is the base for persisted state. Default: ~/.opal.
	DataDir string `yaml:"data_dir"`

	// AutoSave persists the session after every completed run.
	AutoSave bool `yaml:"auto_save"`

	Features   FeaturesConfig   `yaml:"features"`
	Compaction CompactionConfig `yaml:"compaction"`
}

// FeaturesConfig toggles optional subsystems.
type FeaturesConfig struct {
	SubAgents  bool `yaml:"sub_agents"`
	Compaction bool `yaml:"compaction"`
	AutoTitle  bool `yaml:"auto_title"`
	Context    bool `yaml:"context"`
	Skills     bool `yaml:"skills"`
	Tasks      bool `yaml:"tasks"`
	Debug      bool `yaml:"debug"`
}

// CompactionConfig tunes context compaction.
type CompactionConfig struct {
	KeepRecentTokens int     `yaml:"keep_recent_tokens"`
	TriggerRatio     float64 `yaml:"trigger_ratio"`
	Instructions     string  `yaml:"instructions"`
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// in string values.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *FileConfig) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	return nil
}

// Default returns the built-in configuration used when no file is present.
func Default() *FileConfig {
	return &FileConfig{
		Provider: "openai",
		Model:    "gpt-4o",
		AutoSave: true,
		Features: FeaturesConfig{
			SubAgents:  true,
			Compaction: true,
			AutoTitle:  true,
			Context:    true,
			Skills:     true,
			Tasks:      true,
		},
	}
}

// ---------------------------------------------------------------------------
// Data directory
// ---------------------------------------------------------------------------

// DefaultDataDir is ~/.opal, falling back to ./.opal when the home
// directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opal"
	}
	return filepath.Join(home, ".opal")
}

// ResolveDataDir picks the configured data dir or the default, and ensures
// its layout exists.
func ResolveDataDir(cfg *FileConfig) (string, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = DefaultDataDir()
	}
	for _, sub := range []string{"", "sessions", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("config: create data dir: %w", err)
		}
	}
	return dir, nil
}

// SessionsDir returns the session snapshot directory under dataDir.
func SessionsDir(dataDir string) string { return filepath.Join(dataDir, "sessions") }

// LogsDir returns the log directory under dataDir.
func LogsDir(dataDir string) string { return filepath.Join(dataDir, "logs") }

// TasksDB returns the tasks database path under dataDir.
func TasksDB(dataDir string) string { return filepath.Join(dataDir, "tasks.db") }
