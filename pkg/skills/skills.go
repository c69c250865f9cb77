// Package skills discovers skill files that extend the system prompt.
//
// A skill is a Markdown file with YAML frontmatter naming and describing
// it. The system prompt lists every discovered skill; the model opens the
// skill's file when a task matches its description.
//
// Discovery:
//   - Global:  $XDG_CONFIG_HOME/opal/skills/  (or ~/.config/opal/skills/)
//   - Project: {cwd}/.opal/skills/
//   - Files:   root *.md, or SKILL.md one level down
//
// The name must be lowercase a-z, 0-9, and hyphens, at most 64 characters,
// defaulting to the filename or parent directory name.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	maxNameLen = 64
	maxDescLen = 1024
)

// Skill is one discovered skill file.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"` // absolute, for the prompt listing
	Source      string `json:"source"`    // "user", "project", or "path"
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Load discovers skills for a working directory. Name collisions resolve
// in favor of the global directory.
func Load(cwd string) []Skill {
	return LoadFromDirs(cwd)
}

// LoadFromDirs discovers skills from the default locations plus extra
// directories.
func LoadFromDirs(cwd string, extra ...string) []Skill {
	type location struct{ dir, tag string }
	locs := []location{
		{globalDir(), "user"},
		{filepath.Join(cwd, ".opal", "skills"), "project"},
	}
	for _, d := range extra {
		locs = append(locs, location{d, "path"})
	}

	seen := map[string]bool{}
	var out []Skill
	for _, loc := range locs {
		for _, s := range loadDir(loc.dir, loc.tag) {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptBlock renders the <available_skills> section for the system
// prompt. An empty list renders nothing.
func PromptBlock(list []Skill) string {
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("The following skills carry specialized instructions for specific tasks.\n")
	sb.WriteString("Read a skill's file when the task matches its description.\n")
	sb.WriteString("\n<available_skills>\n")
	for _, s := range list {
		sb.WriteString("  <skill>\n")
		fmt.Fprintf(&sb, "    <name>%s</name>\n", escape(s.Name))
		fmt.Fprintf(&sb, "    <description>%s</description>\n", escape(s.Description))
		fmt.Fprintf(&sb, "    <location>%s</location>\n", escape(s.FilePath))
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func loadDir(dir, source string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Skill
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if s, ok := parseFile(filepath.Join(full, "SKILL.md"), e.Name(), source); ok {
				out = append(out, s)
			}
			continue
		}
		if strings.HasSuffix(e.Name(), ".md") {
			if s, ok := parseFile(full, strings.TrimSuffix(e.Name(), ".md"), source); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// parseFile reads one skill file. Invalid files are skipped, not surfaced:
// a broken skill must not take the session down.
func parseFile(path, fallbackName, source string) (Skill, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, false
	}

	var fm frontmatter
	if rest, ok := strings.CutPrefix(string(data), "---\n"); ok {
		if head, _, ok := strings.Cut(rest, "\n---"); ok {
			if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
				return Skill{}, false
			}
		}
	}
	if fm.Name == "" {
		fm.Name = fallbackName
	}
	if !validName(fm.Name) || fm.Description == "" || len(fm.Description) > maxDescLen {
		return Skill{}, false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Skill{Name: fm.Name, Description: fm.Description, FilePath: abs, Source: source}, true
}

func validName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") || strings.Contains(name, "--") {
		return false
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func globalDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opal", "skills")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opal", "skills")
}
