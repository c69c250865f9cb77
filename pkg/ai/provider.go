package ai

import "context"

// ---------------------------------------------------------------------------
// Normalized streaming events
// ---------------------------------------------------------------------------

// StreamEventType enumerates the normalized events a provider can emit.
// The agent loop never inspects wire JSON; providers translate their dialect
// into this protocol.
type StreamEventType string

const (
	StreamTextStart     StreamEventType = "text_start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextDone      StreamEventType = "text_done"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallDone  StreamEventType = "tool_call_done"
	StreamResponseDone  StreamEventType = "response_done"
	StreamUsage         StreamEventType = "usage"
	StreamError         StreamEventType = "error"
)

// StreamEvent is sent over the events channel by providers.
//
// Two parallel tool-call streams may interleave deltas; CallIndex routes
// each delta to its call, and CallID (set on start/done) is the stable key
// consumers must accumulate on.
type StreamEvent struct {
	Type StreamEventType

	// Text is the delta for text_delta / thinking_delta / tool_call_delta,
	// and the full text for text_done.
	Text string

	// Tool call routing.
	CallID    string
	CallIndex int
	ToolName  string
	// Arguments is set on tool_call_done when the wire format delivers the
	// completed arguments itself; consumers that accumulated deltas parse
	// their own buffer when this is nil.
	Arguments map[string]any

	// Usage is set on usage and response_done events.
	Usage *Usage

	// Err is set on error events. The stream ends after an error event.
	Err error
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Request is the full conversation state for one LLM call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Options      StreamOptions
}

type StreamOptions struct {
	MaxTokens     int
	Temperature   *float64
	ThinkingLevel string // "" | "low" | "medium" | "high"
	APIKey        string
}

// Provider streams an LLM response for a request.
//
// Stream returns a channel of normalized events. Implementations must close
// the channel when the stream ends, including on ctx cancellation, so
// callers can always range over it safely. Fatal stream errors arrive as a
// StreamError event followed by channel close; Stream itself only returns
// an error when the request could not be initiated at all.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai", "copilot".
	Name() string

	Stream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error)
}
