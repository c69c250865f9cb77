package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the user-editable settings.json in the data dir. Unlike
// FileConfig it is written back by the runtime (settings/save RPC).
type Settings struct {
	Theme          string `json:"theme,omitempty"`
	DefaultModel   string `json:"default_model,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty"`
	AutoSave       *bool  `json:"auto_save,omitempty"`
	AutoCompaction *bool  `json:"auto_compaction,omitempty"`
}

// Auth is auth.json: per-provider credentials.
type Auth struct {
	Keys map[string]string `json:"keys"` // provider name → API key
}

// LoadSettings reads settings.json from dataDir. A missing file yields
// zero settings, not an error.
func LoadSettings(dataDir string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(filepath.Join(dataDir, "settings.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("config: read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes settings.json atomically.
func SaveSettings(dataDir string, s Settings) error {
	return writeJSON(filepath.Join(dataDir, "settings.json"), s)
}

// LoadAuth reads auth.json from dataDir. A missing file yields empty
// credentials.
func LoadAuth(dataDir string) (Auth, error) {
	a := Auth{Keys: map[string]string{}}
	data, err := os.ReadFile(filepath.Join(dataDir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return a, fmt.Errorf("config: read auth: %w", err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return Auth{}, fmt.Errorf("config: parse auth: %w", err)
	}
	if a.Keys == nil {
		a.Keys = map[string]string{}
	}
	return a, nil
}

// SaveAuth writes auth.json atomically with owner-only permissions.
func SaveAuth(dataDir string, a Auth) error {
	path := filepath.Join(dataDir, "auth.json")
	if err := writeJSON(path, a); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
