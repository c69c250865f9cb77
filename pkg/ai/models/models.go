// Package models is a small catalog of known model IDs with their context
// windows. Unknown models fall back to a conservative default so overflow
// detection and compaction still work.
package models

import "strings"

// Info describes one model.
type Info struct {
	ID            string
	Provider      string
	ContextWindow int
	MaxOutput     int
	Thinking      bool
}

// DefaultContextWindow is assumed for models not in the catalog.
const DefaultContextWindow = 128_000

var catalog = []Info{
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128_000, MaxOutput: 16_384},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128_000, MaxOutput: 16_384},
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1_047_576, MaxOutput: 32_768},
	{ID: "o4-mini", Provider: "openai", ContextWindow: 200_000, MaxOutput: 100_000, Thinking: true},
	{ID: "gpt-5", Provider: "openai", ContextWindow: 400_000, MaxOutput: 128_000, Thinking: true},
	{ID: "claude-sonnet-4", Provider: "copilot", ContextWindow: 200_000, MaxOutput: 64_000, Thinking: true},
	{ID: "claude-opus-4", Provider: "copilot", ContextWindow: 200_000, MaxOutput: 32_000, Thinking: true},
	{ID: "gemini-2.5-pro", Provider: "copilot", ContextWindow: 1_048_576, MaxOutput: 65_536, Thinking: true},
}

// Lookup returns the catalog entry for id, or nil when unknown. Matching is
// by exact ID first, then by prefix (dated snapshots like
// "gpt-4o-2024-11-20" resolve to their base entry).
func Lookup(id string) *Info {
	for i := range catalog {
		if catalog[i].ID == id {
			return &catalog[i]
		}
	}
	for i := range catalog {
		if strings.HasPrefix(id, catalog[i].ID+"-") {
			return &catalog[i]
		}
	}
	return nil
}

// ContextWindow returns the context window for id, falling back to
// DefaultContextWindow.
func ContextWindow(id string) int {
	if info := Lookup(id); info != nil {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// All returns a copy of the catalog.
func All() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}
