// Package ai defines the core types for LLM interactions: messages, tool
// definitions, streaming events, and the provider interface.
package ai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"

	// RoleSummary marks a compaction summary. It is sent to providers as a
	// user message but kept distinguishable so re-compaction never
	// resummarises a summary.
	RoleSummary Role = "summary"
)

// ToolCall is one tool invocation requested by the model. IDs are
// provider-assigned and opaque; they correlate calls with results.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// Message is one node of a conversation. Messages form a tree via ParentID;
// the session store owns the tree structure and sets ParentID on append.
//
// An assistant message carries Content, ToolCalls, or both, and never a
// CallID. A tool_result message references the call it answers via CallID.
type Message struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// NewUserMessage builds a user message with a fresh ID.
func NewUserMessage(text string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewToolResultMessage builds a tool_result message answering call.
func NewToolResultMessage(call ToolCall, res ToolResult) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleToolResult,
		Content:   res.Output,
		CallID:    call.ID,
		Name:      call.Name,
		IsError:   res.IsError,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewSummaryMessage builds a compaction summary message.
func NewSummaryMessage(text string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleSummary,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewID returns a fresh message ID.
func NewID() string { return uuid.NewString() }

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

// Usage is token accounting reported by the provider for one request.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.Input += u2.Input
	u.Output += u2.Output
	u.CacheRead += u2.CacheRead
	u.CacheWrite += u2.CacheWrite
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.Input + u.Output }

// ---------------------------------------------------------------------------
// Tool definition (schema handed to the LLM)
// ---------------------------------------------------------------------------

// ToolDefinition describes a tool to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}
