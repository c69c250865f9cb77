package agent

import "github.com/opal-dev/opal/pkg/ai"

// EventType discriminates the Event union.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"
	EventAgentAbort EventType = "agent_abort"

	EventMessageStart   EventType = "message_start"
	EventMessageDelta   EventType = "message_delta"
	EventMessageApplied EventType = "message_applied"

	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"

	EventTurnEnd EventType = "turn_end"

	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"

	EventStatusUpdate EventType = "status_update"
	EventUsageUpdate  EventType = "usage_update"
	EventError        EventType = "error"

	EventCompactionStart EventType = "compaction_start"
	EventCompactionEnd   EventType = "compaction_end"

	EventSubAgent EventType = "sub_agent_event"
)

// Event is published to the bus for every lifecycle transition and stream
// fragment. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType `json:"type"`

	// message_delta / thinking_delta / status_update (tool output chunk)
	Delta string `json:"delta,omitempty"`

	// message_applied
	Text string `json:"text,omitempty"`

	// turn_end
	Message *ai.Message `json:"message,omitempty"`

	// agent_end
	Messages []ai.Message `json:"messages,omitempty"`
	Usage    *ai.Usage    `json:"usage,omitempty"`

	// turn_end / tool_execution_*
	ToolCalls []ai.ToolCall  `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    *ai.ToolResult `json:"result,omitempty"`

	// status_update
	Phase string `json:"phase,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`

	// compaction_start / compaction_end
	MsgCount int `json:"msg_count,omitempty"`
	Before   int `json:"before,omitempty"`
	After    int `json:"after,omitempty"`

	// sub_agent_event
	ParentCallID string `json:"parent_call_id,omitempty"`
	SubSessionID string `json:"sub_session_id,omitempty"`
	Inner        *Event `json:"inner,omitempty"`
}
