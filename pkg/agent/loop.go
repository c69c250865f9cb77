package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/models"
	"github.com/opal-dev/opal/pkg/tools"
)

// runPrompt drives one full run: append the user message, then loop
// stream → tools → steer until a stream ends with no tool calls. Runs on
// the worker goroutine.
func (a *Agent) runPrompt(text string) {
	ctx, cancel := context.WithCancel(context.Background())
	a.setAbort(cancel)
	a.setStatus(StatusRunning)
	a.mu.Lock()
	a.lastErr = ""
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.abortFn = nil
		a.mu.Unlock()
		cancel()
		a.settleIdle()
	}()

	ctx, span := a.tracer.Start(ctx, "agent.run",
		spanOpts(a.id, a.config().Model)...)
	defer span.End()

	stored, err := a.store.Append(ai.NewUserMessage(text))
	if err != nil {
		a.emit(Event{Type: EventError, Reason: err.Error()})
		return
	}
	a.emit(Event{Type: EventMessageApplied, Text: text, Message: &stored})
	a.emit(Event{Type: EventAgentStart})

	if err := a.runTurns(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// runTurns loops until the assistant answers without tool calls, the run
// errors out, or the run is aborted.
func (a *Agent) runTurns(ctx context.Context) error {
	for {
		if a.shouldCompact() {
			if err := a.compact(ctx); err != nil {
				a.logger.Warn("auto-compaction failed", "error", err)
			}
		}

		msg, err := a.streamTurn(ctx)
		if err != nil {
			if ai.IsAbort(err) || ctx.Err() != nil {
				a.emit(Event{Type: EventAgentAbort})
				return nil
			}
			a.mu.Lock()
			a.lastErr = err.Error()
			a.mu.Unlock()
			a.emit(Event{Type: EventError, Reason: err.Error()})
			return err
		}

		stored, err := a.store.Append(msg)
		if err != nil {
			a.emit(Event{Type: EventError, Reason: err.Error()})
			return err
		}

		if len(stored.ToolCalls) == 0 {
			// A steer that arrived during the final stream keeps the run
			// alive for another turn instead of being stranded.
			late := a.drainSteers()
			if len(late) == 0 {
				a.finishRun()
				return nil
			}
			for _, s := range late {
				m, err := a.store.Append(ai.NewUserMessage(s))
				if err != nil {
					a.emit(Event{Type: EventError, Reason: err.Error()})
					return err
				}
				a.emit(Event{Type: EventMessageApplied, Text: s, Message: &m})
			}
			continue
		}

		a.emit(Event{Type: EventTurnEnd, Message: &stored, ToolCalls: stored.ToolCalls})

		results, err := a.dispatchTools(ctx, stored.ToolCalls)
		if err != nil {
			// Cancellation mid-batch: drop any results, keep appended
			// messages, report the abort.
			a.emit(Event{Type: EventAgentAbort})
			return nil
		}
		for i, res := range results {
			if _, err := a.store.Append(ai.NewToolResultMessage(stored.ToolCalls[i], res)); err != nil {
				a.emit(Event{Type: EventError, Reason: err.Error()})
				return err
			}
		}

		// Turn boundary: the only point where steering is consumed.
		for _, s := range a.drainSteers() {
			m, err := a.store.Append(ai.NewUserMessage(s))
			if err != nil {
				a.emit(Event{Type: EventError, Reason: err.Error()})
				return err
			}
			a.emit(Event{Type: EventMessageApplied, Text: s, Message: &m})
		}
	}
}

// finishRun publishes agent_end and runs the end-of-run chores.
func (a *Agent) finishRun() {
	a.mu.RLock()
	usage := a.usage
	a.mu.RUnlock()
	a.emit(Event{Type: EventAgentEnd, Messages: a.store.Path(), Usage: &usage})

	cfg := a.config()
	if cfg.AutoSave && cfg.DataDir != "" {
		if _, err := a.Save(""); err != nil {
			a.logger.Warn("auto-save failed", "error", err)
		}
	}
	if cfg.Features.AutoTitle && a.store.Title() == "" {
		go a.generateTitle()
	}
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// streamTurn is streamOnce wrapped in the retry policy: transient errors
// back off exponentially, permanent errors fail immediately, overflow
// errors force a compaction before the retry. Per-turn accumulators live
// inside streamOnce, so every retry starts clean.
func (a *Agent) streamTurn(ctx context.Context) (ai.Message, error) {
	cfg := a.config()
	delay := cfg.Retry.BaseDelay
	var lastErr error

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ai.Message{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.Retry.MaxDelay {
				delay = cfg.Retry.MaxDelay
			}
		}

		msg, err := a.streamOnce(ctx)
		if err == nil {
			return msg, nil
		}
		if ai.IsAbort(err) || ctx.Err() != nil {
			return ai.Message{}, context.Canceled
		}
		lastErr = err

		switch ai.Classify(err) {
		case ai.ErrPermanent:
			return ai.Message{}, err
		case ai.ErrOverflow:
			if cerr := a.compact(ctx); cerr != nil {
				a.logger.Warn("forced compaction failed", "error", cerr)
			}
		}
		a.logger.Warn("provider stream failed, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)
	}
	return ai.Message{}, fmt.Errorf("provider failed after %d attempts: %w", cfg.Retry.MaxAttempts, lastErr)
}

// callAccum gathers one tool call across its start/delta/done events.
type callAccum struct {
	id       string
	name     string
	argsJSON strings.Builder
	args     map[string]any
}

// streamOnce issues a single provider request and consumes its stream,
// accumulating text, thinking, and tool calls. Deltas route to calls by
// the provider's call index; arguments parse exactly once on completion.
func (a *Agent) streamOnce(ctx context.Context) (ai.Message, error) {
	cfg := a.config()
	provider := a.currentProvider()

	req := ai.Request{
		SystemPrompt: a.systemPrompt(),
		Messages:     a.store.Path(),
		Tools:        a.registry.Definitions(),
		Options: ai.StreamOptions{
			MaxTokens:     cfg.MaxTokens,
			ThinkingLevel: cfg.ThinkingLevel,
			APIKey:        cfg.APIKey,
		},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := provider.Stream(streamCtx, cfg.Model, req)
	if err != nil {
		return ai.Message{}, err
	}

	a.setStatus(StatusStreaming)
	defer a.setStatus(StatusRunning)

	var (
		text, thinking  strings.Builder
		calls           = map[string]*callAccum{}
		callOrder       []string
		byIndex         = map[int]string{}
		textStarted     bool
		thinkingStarted bool
		finished        bool
	)

	watchdog := time.NewTimer(cfg.StreamIdleTimeout)
	defer watchdog.Stop()

loop:
	for {
		select {
		case <-watchdog.C:
			cancel()
			// Drain so the provider goroutine can exit.
			for range events {
			}
			return ai.Message{}, fmt.Errorf("stream idle for %s", cfg.StreamIdleTimeout)

		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(cfg.StreamIdleTimeout)

			switch ev.Type {
			case ai.StreamTextStart:
				if !textStarted {
					textStarted = true
					a.emit(Event{Type: EventMessageStart})
				}
			case ai.StreamTextDelta:
				if !textStarted {
					textStarted = true
					a.emit(Event{Type: EventMessageStart})
				}
				text.WriteString(ev.Text)
				a.emit(Event{Type: EventMessageDelta, Delta: ev.Text})
			case ai.StreamTextDone:
				// Accumulated deltas are authoritative.

			case ai.StreamThinkingStart:
				if !thinkingStarted {
					thinkingStarted = true
					a.emit(Event{Type: EventThinkingStart})
				}
			case ai.StreamThinkingDelta:
				if !thinkingStarted {
					thinkingStarted = true
					a.emit(Event{Type: EventThinkingStart})
				}
				thinking.WriteString(ev.Text)
				a.emit(Event{Type: EventThinkingDelta, Delta: ev.Text})

			case ai.StreamToolCallStart:
				c := &callAccum{id: ev.CallID, name: ev.ToolName}
				calls[ev.CallID] = c
				callOrder = append(callOrder, ev.CallID)
				byIndex[ev.CallIndex] = ev.CallID
			case ai.StreamToolCallDelta:
				if id, ok := byIndex[ev.CallIndex]; ok {
					calls[id].argsJSON.WriteString(ev.Text)
				}
			case ai.StreamToolCallDone:
				if c, ok := calls[ev.CallID]; ok {
					if ev.Arguments != nil {
						c.args = ev.Arguments
					} else if raw := c.argsJSON.String(); raw != "" {
						var parsed map[string]any
						if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
							c.args = parsed
						}
					}
				}

			case ai.StreamUsage, ai.StreamResponseDone:
				if ev.Usage != nil {
					a.applyUsage(*ev.Usage)
				}
				if ev.Type == ai.StreamResponseDone {
					finished = true
				}

			case ai.StreamError:
				cancel()
				for range events {
				}
				return ai.Message{}, ev.Err
			}
		}
	}

	if ctx.Err() != nil {
		return ai.Message{}, ctx.Err()
	}
	if !finished {
		return ai.Message{}, fmt.Errorf("stream closed before completion")
	}

	msg := ai.Message{
		ID:        ai.NewID(),
		Role:      ai.RoleAssistant,
		Content:   text.String(),
		Thinking:  thinking.String(),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, id := range callOrder {
		c := calls[id]
		args := c.args
		if args == nil {
			args = map[string]any{}
		}
		msg.ToolCalls = append(msg.ToolCalls, ai.ToolCall{ID: c.id, Name: c.name, Arguments: args})
	}
	return msg, nil
}

// applyUsage records token counts from a usage event.
func (a *Agent) applyUsage(u ai.Usage) {
	a.mu.Lock()
	a.usage.Add(u)
	a.lastPromptTok = u.Input + u.CacheRead + u.CacheWrite
	usage := a.usage
	a.mu.Unlock()
	a.emit(Event{Type: EventUsageUpdate, Usage: &usage})
}

// shouldCompact reports whether the next turn should start with a
// compaction pass.
func (a *Agent) shouldCompact() bool {
	cfg := a.config()
	if !cfg.Features.Compaction {
		return false
	}
	a.mu.RLock()
	last := a.lastPromptTok
	a.mu.RUnlock()
	if last == 0 {
		// No provider-reported count yet; estimate from the path.
		last = estimatePathTokens(a.store.Path())
	}
	window := models.ContextWindow(cfg.Model)
	return window > 0 && float64(last)/float64(window) >= cfg.Compaction.TriggerRatio
}

// ---------------------------------------------------------------------------
// Tool dispatch
// ---------------------------------------------------------------------------

// dispatchTools runs one turn's tool calls through the runner. State is
// snapshotted first; tools never see the live agent.
func (a *Agent) dispatchTools(ctx context.Context, calls []ai.ToolCall) ([]ai.ToolResult, error) {
	ctx, span := a.tracer.Start(ctx, "agent.tools",
		spanOpts(a.id, a.config().Model)...)
	span.SetAttributes(attribute.Int("tool.count", len(calls)))
	defer span.End()

	cfg := a.config()
	tc := tools.Context{
		WorkingDir: cfg.WorkingDir,
		SessionID:  a.id,
		Config:     cfg.ToolConfig,
		State:      a.snapshot(),
	}
	hooks := tools.Hooks{
		OnStart: func(call ai.ToolCall) {
			a.emit(Event{Type: EventToolExecutionStart, ToolName: call.Name, CallID: call.ID, Args: call.Arguments})
		},
		OnUpdate: func(call ai.ToolCall, chunk string) {
			a.emit(Event{Type: EventStatusUpdate, Phase: "tool_output", CallID: call.ID, Delta: chunk})
		},
		OnEnd: func(call ai.ToolCall, res ai.ToolResult) {
			if ctx.Err() != nil {
				return
			}
			a.emit(Event{Type: EventToolExecutionEnd, ToolName: call.Name, CallID: call.ID, Result: &res})
		},
	}
	return a.runner.Run(ctx, a.registry, calls, tc, hooks)
}
