package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opal-dev/opal/pkg/ai"
)

// Registry holds all registered tools, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics if a tool with the same name is already
// registered.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition().Name
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tools: tool %q already registered", name))
	}
	r.tools[name] = t
}

// RegisterOrReplace adds or replaces a tool.
func (r *Registry) RegisterOrReplace(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Get retrieves a tool by name. Returns nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Definition().Name < out[j].Definition().Name
	})
	return out
}

// Definitions returns the schema list handed to the LLM.
func (r *Registry) Definitions() []ai.ToolDefinition {
	all := r.All()
	out := make([]ai.ToolDefinition, 0, len(all))
	for _, t := range all {
		out = append(out, t.Definition())
	}
	return out
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remove removes a tool by name. No-op if not found.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// CloneWithout returns a copy of the registry minus the named tools. Used
// when deriving a sub-agent's tool set from its parent's.
func (r *Registry) CloneWithout(names ...string) *Registry {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for n, t := range r.tools {
		if !drop[n] {
			out.tools[n] = t
		}
	}
	return out
}
