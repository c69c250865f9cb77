// Package tools defines the Tool interface, the registry, JSON-Schema
// argument validation, and the concurrent Runner that executes tool calls
// on behalf of the agent loop.
package tools

import (
	"context"
	"encoding/json"

	"github.com/opal-dev/opal/pkg/ai"
)

// Snapshot is the frozen agent state handed to tools. Tools must not call
// back into the live agent (it is blocked awaiting their results); anything
// a tool needs is pre-extracted here.
type Snapshot struct {
	SessionID    string
	Model        string
	Provider     string
	SystemPrompt string
	WorkingDir   string
	Messages     []ai.Message
	ToolNames    []string
}

// Context carries the execution environment for one tool call.
type Context struct {
	WorkingDir string
	SessionID  string
	CallID     string
	Config     map[string]any
	State      Snapshot

	// Emit streams a partial output chunk to the UI. May be nil; tools must
	// guard before calling it. The final return value still carries the
	// complete output.
	Emit func(chunk string)
}

// Tool is the interface every tool implements. Returning an error marks
// the result is_error=true for the LLM; it does not stop the agent.
type Tool interface {
	// Definition returns the schema handed to the LLM.
	Definition() ai.ToolDefinition
	// Execute runs the tool. ctx carries the agent's cancel signal.
	Execute(ctx context.Context, args map[string]any, tc Context) (string, error)
}

// ---------------------------------------------------------------------------
// SimpleSchema is a helper for building JSON Schema objects inline.
// ---------------------------------------------------------------------------

type SimpleSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// MustSchema returns a JSON Schema for the given SimpleSchema.
func MustSchema(s SimpleSchema) json.RawMessage {
	s2 := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		s2["required"] = s.Required
	}
	b, err := json.Marshal(s2)
	if err != nil {
		panic("tools.MustSchema: " + err.Error())
	}
	return b
}

// Func adapts a plain function into a Tool. Used heavily in tests and for
// small built-ins.
type Func struct {
	Def ai.ToolDefinition
	Fn  func(ctx context.Context, args map[string]any, tc Context) (string, error)
}

func (f *Func) Definition() ai.ToolDefinition { return f.Def }

func (f *Func) Execute(ctx context.Context, args map[string]any, tc Context) (string, error) {
	return f.Fn(ctx, args, tc)
}
