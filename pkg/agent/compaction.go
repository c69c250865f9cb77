// Package agent — context compaction.
//
// Compaction shortens the current path by replacing its oldest portion with
// a structured summary message, keeping the most recent KeepRecentTokens of
// conversation intact. The cut never lands mid-turn: the kept portion
// always starts at a user message, so an assistant message is never split
// from its tool results.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
)

const summarySystemPrompt = `You are an expert at summarizing technical conversations.
Create concise, structured summaries that allow another AI to continue the work seamlessly.
Focus on facts, decisions, and current state, not the conversational flow.`

const summaryPrompt = `The messages above are a conversation to summarize. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

// findCutPoint returns the path index of the first message to keep,
// targeting the most recent keepRecentTokens of conversation. The kept
// portion always starts at a user message and the prefix is never empty.
// Returns -1 when there is nothing sensible to compact.
func findCutPoint(path []ai.Message, keepRecentTokens int) int {
	if len(path) < 4 {
		return -1
	}

	accumulated := 0
	for i := len(path) - 1; i >= 0; i-- {
		accumulated += estimateTokens(path[i])
		if accumulated < keepRecentTokens {
			continue
		}
		// Snap forward to the next user boundary.
		for j := i; j < len(path); j++ {
			if path[j].Role == ai.RoleUser && j > 0 {
				return j
			}
		}
		return -1
	}
	return -1
}

// compact replaces the path prefix older than the cut point with a summary
// message. When no cut point exists it is a no-op. Runs on the worker
// goroutine (or while the agent is idle).
func (a *Agent) compact(ctx context.Context) error {
	cfg := a.config()
	path := a.store.Path()

	cut := findCutPoint(path, cfg.Compaction.KeepRecentTokens)
	if cut <= 0 {
		return nil
	}

	a.emit(Event{Type: EventCompactionStart, MsgCount: len(path)})

	prefix := path[:cut]
	prefixIDs := make([]string, len(prefix))
	for i, m := range prefix {
		prefixIDs[i] = m.ID
	}

	summaryText, err := a.summarize(ctx, prefix, cfg.Compaction.Instructions)
	if err != nil {
		// Summarization is best-effort; fall back to dropping the prefix
		// with a truncation notice so the model knows history is missing.
		a.logger.Warn("summarization failed, truncating instead", "error", err)
		summaryText = fmt.Sprintf("[%d earlier messages were removed to fit the context window.]", len(prefix))
	} else {
		summaryText = fmt.Sprintf(
			"The conversation history before this point was compacted into the following summary:\n\n<summary>\n%s\n</summary>",
			summaryText,
		)
	}

	summary := ai.NewSummaryMessage(summaryText)
	if err := a.store.ReplacePathSegment(prefixIDs, summary); err != nil {
		return fmt.Errorf("compaction: %w", err)
	}

	after := len(a.store.Path())
	a.emit(Event{Type: EventCompactionEnd, Before: len(path), After: after})
	a.logger.Info("compacted session", "before", len(path), "after", after)

	// Force a fresh provider count on the next turn.
	a.mu.Lock()
	a.lastPromptTok = 0
	a.mu.Unlock()
	return nil
}

// summarize asks the provider for a structured summary of msgs.
func (a *Agent) summarize(ctx context.Context, msgs []ai.Message, instructions string) (string, error) {
	provider := a.currentProvider()
	cfg := a.config()
	if provider == nil {
		return "", fmt.Errorf("no provider available")
	}

	prompt := fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
		serializeConversation(msgs), summaryPrompt)
	if instructions != "" {
		prompt += "\n\nAdditional instructions:\n" + instructions
	}

	return completeText(ctx, provider, cfg.Model, ai.StreamOptions{
		MaxTokens: 4096,
		APIKey:    cfg.APIKey,
	}, summarySystemPrompt, prompt)
}

// serializeConversation flattens a message slice into a readable text block
// for the summarization request. Long tool outputs are truncated.
func serializeConversation(msgs []ai.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case ai.RoleUser, ai.RoleSummary:
			sb.WriteString("[USER]\n")
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		case ai.RoleAssistant:
			sb.WriteString("[ASSISTANT]\n")
			if m.Thinking != "" {
				sb.WriteString("<thinking>\n" + m.Thinking + "\n</thinking>\n")
			}
			if m.Content != "" {
				sb.WriteString(m.Content + "\n")
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "[TOOL CALL: %s]\n", tc.Name)
			}
			sb.WriteByte('\n')
		case ai.RoleToolResult:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", m.Name)
			text := m.Content
			if len(text) > 2000 {
				text = text[:1997] + "..."
			}
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// completeText issues a one-shot request and collects the full assistant
// text from the stream. Used for summaries and titles, never for turns.
func completeText(ctx context.Context, provider ai.Provider, model string, opts ai.StreamOptions, system, prompt string) (string, error) {
	req := ai.Request{
		SystemPrompt: system,
		Messages:     []ai.Message{ai.NewUserMessage(prompt)},
		Options:      opts,
	}
	events, err := provider.Stream(ctx, model, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case ai.StreamTextDelta:
			sb.WriteString(ev.Text)
		case ai.StreamError:
			return "", ev.Err
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty completion from %s", provider.Name())
	}
	return sb.String(), nil
}

// generateTitle derives a short session title from the first exchange.
// Fire and forget; failures are logged and ignored.
func (a *Agent) generateTitle() {
	cfg := a.config()
	path := a.store.Path()
	if len(path) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a title (max 8 words) for a conversation that starts with:\n\n%s\n\nReply with the title only.",
		firstN(path[0].Content, 500),
	)
	title, err := completeText(ctx, a.currentProvider(), cfg.Model, ai.StreamOptions{
		MaxTokens: 64,
		APIKey:    cfg.APIKey,
	}, "You write short, descriptive conversation titles.", prompt)
	if err != nil {
		a.logger.Debug("auto-title failed", "error", err)
		return
	}
	a.store.SetTitle(strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`)))
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
