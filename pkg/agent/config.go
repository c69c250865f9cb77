package agent

import (
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/tools"
)

// Config configures a new session. WorkingDir is required; everything else
// has a usable default.
type Config struct {
	// SessionID names the session; empty gets a fresh ID.
	SessionID     string
	WorkingDir    string
	Model         string
	ThinkingLevel string // "", "low", "medium", "high"
	SystemPrompt  string
	Provider      ai.Provider
	Tools         *tools.Registry // nil means empty registry
	ToolConfig    map[string]any  // passed through to every tool call

	// DataDir is the base directory for persisted state (sessions/, logs/).
	// Empty disables auto-save.
	DataDir string
	// AutoSave writes a session snapshot after every completed run.
	AutoSave bool

	APIKey string

	Features   Features
	Retry      RetryConfig
	Compaction CompactionConfig

	// StreamIdleTimeout is the watchdog interval: a stream delivering no
	// data for this long is cancelled and retried as a transient error.
	StreamIdleTimeout time.Duration

	MaxTokens int
}

// Features toggles optional behavior per session.
type Features struct {
	SubAgents  bool
	Compaction bool
	AutoTitle  bool
	// Context injects project context files (AGENTS.md / OPAL.md) into the
	// system prompt.
	Context bool
	// Skills lists discovered skill files in the system prompt.
	Skills bool
	Debug  bool
}

// RetryConfig bounds the transient-error retry loop.
type RetryConfig struct {
	MaxAttempts int           // total stream attempts per turn
	BaseDelay   time.Duration // first backoff
	MaxDelay    time.Duration // backoff cap
}

// CompactionConfig controls context-window compaction.
type CompactionConfig struct {
	// KeepRecentTokens is the approximate token budget for the path suffix
	// that survives compaction.
	KeepRecentTokens int
	// TriggerRatio compacts before a turn once last_prompt_tokens divided
	// by the model's context window reaches this value.
	TriggerRatio float64
	// Instructions is appended to the summarization prompt.
	Instructions string
}

const (
	defaultKeepRecentTokens  = 20_000
	defaultTriggerRatio      = 0.8
	defaultRetryAttempts     = 5
	defaultRetryBase         = 2 * time.Second
	defaultRetryMax          = 60 * time.Second
	defaultStreamIdleTimeout = 90 * time.Second
)

// withDefaults fills the zero values.
func (c Config) withDefaults() Config {
	if c.Tools == nil {
		c.Tools = tools.NewRegistry()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultRetryAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = defaultRetryBase
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultRetryMax
	}
	if c.Compaction.KeepRecentTokens <= 0 {
		c.Compaction.KeepRecentTokens = defaultKeepRecentTokens
	}
	if c.Compaction.TriggerRatio <= 0 {
		c.Compaction.TriggerRatio = defaultTriggerRatio
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	return c
}
