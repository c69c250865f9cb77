package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opal-dev/opal/pkg/skills"
)

// ContextEntry is one project context file injected into the system prompt.
type ContextEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// contextFileNames are tried in order; the first hit per directory wins.
var contextFileNames = []string{"AGENTS.md", "OPAL.md"}

// loadContextEntries reads project context files from the global config
// directory and the working directory.
func loadContextEntries(workingDir string) []ContextEntry {
	var out []ContextEntry
	seen := map[string]bool{}
	for _, dir := range []string{globalConfigDir(), workingDir} {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		for _, name := range contextFileNames {
			p := filepath.Join(dir, name)
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			out = append(out, ContextEntry{Path: p, Content: string(data)})
			break
		}
	}
	return out
}

func globalConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opal")
}

// systemPrompt extends the configured base prompt with the session's
// context entries and skills listing. Both sets are discovered once at
// session start.
func (a *Agent) systemPrompt() string {
	cfg := a.config()
	if len(a.contextEntries) == 0 && len(a.activeSkills) == 0 {
		return cfg.SystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(cfg.SystemPrompt)
	if len(a.contextEntries) > 0 {
		sb.WriteString("\n\n# Project Context\n")
		for _, e := range a.contextEntries {
			fmt.Fprintf(&sb, "\n## %s\n\n%s\n", e.Path, e.Content)
		}
	}
	if block := skills.PromptBlock(a.activeSkills); block != "" {
		sb.WriteString("\n\n")
		sb.WriteString(block)
	}
	return sb.String()
}
