// Package openai implements the ai.Provider interface for the OpenAI
// chat-completions API (streaming). It is also compatible with any
// OpenAI-compatible endpoint (Groq, OpenRouter, local servers, …) by
// setting BaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider is the OpenAI streaming provider.
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client

	// ExtraHeaders are added to every request (used by the copilot dialect).
	ExtraHeaders map[string]string

	name string
}

// New creates a Provider. Pass "" for baseURL to use the default OpenAI
// endpoint.
func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
		name:       "openai",
	}
}

func (p *Provider) Name() string { return p.name }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"` // "function"
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON string
	} `json:"function"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

type chunkDelta struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content"`
	ToolCalls        []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Message / tool conversion
// ---------------------------------------------------------------------------

// ConvertMessages translates the normalized history into the wire shape.
// Summary messages travel as user messages; system messages are folded into
// the leading system entry by the caller's system prompt.
func ConvertMessages(systemPrompt string, msgs []ai.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, wireMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		switch m.Role {
		case ai.RoleUser, ai.RoleSummary:
			out = append(out, wireMessage{Role: "user", Content: m.Content})
		case ai.RoleSystem:
			out = append(out, wireMessage{Role: "system", Content: m.Content})
		case ai.RoleAssistant:
			wm := wireMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				wtc := wireToolCall{ID: tc.ID, Type: "function"}
				wtc.Function.Name = tc.Name
				wtc.Function.Arguments = string(args)
				wm.ToolCalls = append(wm.ToolCalls, wtc)
			}
			out = append(out, wm)
		case ai.RoleToolResult:
			out = append(out, wireMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.CallID,
				Name:       m.Name,
			})
		}
	}
	return out
}

// ConvertTools translates tool definitions into the wire shape.
func ConvertTools(defs []ai.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Stream implementation
// ---------------------------------------------------------------------------

func (p *Provider) Stream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamEvent, error) {
	body, err := json.Marshal(p.buildRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Options.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range p.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &ai.ProviderError{Provider: p.name, Model: model, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ai.ProviderError{
			Provider: p.name,
			Model:    model,
			Status:   resp.StatusCode,
			Message:  string(b),
		}
	}

	events := make(chan ai.StreamEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		p.readStream(resp.Body, model, events)
	}()
	return events, nil
}

func (p *Provider) buildRequest(model string, req ai.Request) wireRequest {
	wr := wireRequest{
		Model:       model,
		Messages:    ConvertMessages(req.SystemPrompt, req.Messages),
		Tools:       ConvertTools(req.Tools),
		Stream:      true,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}
	if req.Options.ThinkingLevel != "" {
		wr.ReasoningEffort = req.Options.ThinkingLevel
	}
	return wr
}

// readStream parses SSE chunks and emits normalized events. Each raw chunk
// may expand into several events (ParseChunk); interleaved tool-call deltas
// keep their wire index so consumers can route them to the right call.
func (p *Provider) readStream(body io.Reader, model string, events chan<- ai.StreamEvent) {
	st := newParseState()
	reader := sse.NewReader(body)
	for {
		raw, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			events <- ai.StreamEvent{Type: ai.StreamError, Err: &ai.ProviderError{
				Provider: p.name, Model: model, Cause: fmt.Errorf("sse read: %w", err),
			}}
			return
		}
		if raw.Data == "[DONE]" {
			break
		}
		if raw.Data == "" {
			continue
		}
		for _, ev := range st.ParseChunk([]byte(raw.Data)) {
			events <- ev
		}
	}
	for _, ev := range st.Finish() {
		events <- ev
	}
}

// parseState normalizes a chat-completions SSE stream into ai.StreamEvents.
// It tracks which calls have started (keyed by wire index) so it can emit
// tool_call_done for every started call when the response finishes.
type parseState struct {
	textStarted     bool
	thinkingStarted bool
	textDone        bool
	text            string
	calls           map[int]*callState // wire index → call
	callOrder       []int
	usage           *ai.Usage
	finished        bool
}

type callState struct {
	id   string
	name string
	args string
}

func newParseState() *parseState {
	return &parseState{calls: make(map[int]*callState)}
}

// ParseChunk normalizes one wire chunk into an ordered list of events.
func (st *parseState) ParseChunk(data []byte) []ai.StreamEvent {
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil // skip malformed keep-alives
	}

	if chunk.Error != nil {
		return []ai.StreamEvent{{Type: ai.StreamError, Err: &ai.ProviderError{
			Message: chunk.Error.Message,
		}}}
	}

	var out []ai.StreamEvent

	if chunk.Usage != nil {
		u := ai.Usage{
			Input:  chunk.Usage.PromptTokens,
			Output: chunk.Usage.CompletionTokens,
		}
		if chunk.Usage.PromptTokensDetails != nil {
			u.CacheRead = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		st.usage = &u
		out = append(out, ai.StreamEvent{Type: ai.StreamUsage, Usage: &u})
	}

	if len(chunk.Choices) == 0 {
		return out
	}
	delta := chunk.Choices[0].Delta

	if delta.ReasoningContent != "" {
		if !st.thinkingStarted {
			st.thinkingStarted = true
			out = append(out, ai.StreamEvent{Type: ai.StreamThinkingStart})
		}
		out = append(out, ai.StreamEvent{Type: ai.StreamThinkingDelta, Text: delta.ReasoningContent})
	}

	if delta.Content != "" {
		if !st.textStarted {
			st.textStarted = true
			out = append(out, ai.StreamEvent{Type: ai.StreamTextStart})
		}
		st.text += delta.Content
		out = append(out, ai.StreamEvent{Type: ai.StreamTextDelta, Text: delta.Content})
	}

	for _, tc := range delta.ToolCalls {
		cs, ok := st.calls[tc.Index]
		if !ok {
			cs = &callState{id: tc.ID, name: tc.Function.Name}
			st.calls[tc.Index] = cs
			st.callOrder = append(st.callOrder, tc.Index)
			out = append(out, ai.StreamEvent{
				Type:      ai.StreamToolCallStart,
				CallID:    cs.id,
				CallIndex: tc.Index,
				ToolName:  cs.name,
			})
		}
		if tc.Function.Arguments != "" {
			cs.args += tc.Function.Arguments
			out = append(out, ai.StreamEvent{
				Type:      ai.StreamToolCallDelta,
				CallIndex: tc.Index,
				Text:      tc.Function.Arguments,
			})
		}
	}

	if chunk.Choices[0].FinishReason != "" {
		out = append(out, st.Finish()...)
	}
	return out
}

// Finish emits the trailing events: text_done, tool_call_done per started
// call (with the provider-parsed arguments), and response_done. Safe to
// call more than once; only the first call emits.
func (st *parseState) Finish() []ai.StreamEvent {
	if st.finished {
		return nil
	}
	st.finished = true

	var out []ai.StreamEvent
	if st.textStarted && !st.textDone {
		st.textDone = true
		out = append(out, ai.StreamEvent{Type: ai.StreamTextDone, Text: st.text})
	}
	for _, idx := range st.callOrder {
		cs := st.calls[idx]
		var args map[string]any
		if cs.args != "" {
			_ = json.Unmarshal([]byte(cs.args), &args)
		}
		out = append(out, ai.StreamEvent{
			Type:      ai.StreamToolCallDone,
			CallID:    cs.id,
			CallIndex: idx,
			ToolName:  cs.name,
			Arguments: args,
		})
	}
	out = append(out, ai.StreamEvent{Type: ai.StreamResponseDone, Usage: st.usage})
	return out
}
