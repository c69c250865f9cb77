package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/bus"
)

// scriptProvider replays canned event streams. respond is called once per
// Stream with the attempt number and the full request; returning an error
// simulates a failed request initiation.
type scriptProvider struct {
	mu       sync.Mutex
	calls    int
	models   []string
	requests []ai.Request
	respond  func(call int, req ai.Request) ([]ai.StreamEvent, error)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.models = append(p.models, model)
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()

	evs, err := respond(call, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan ai.StreamEvent, len(evs))
	go func() {
		defer close(ch)
		for _, ev := range evs {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) request(i int) ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// hangProvider emits the start of a text message and then blocks until the
// stream context is cancelled.
type hangProvider struct {
	started chan struct{}
	once    sync.Once
}

func newHangProvider() *hangProvider {
	return &hangProvider{started: make(chan struct{})}
}

func (p *hangProvider) Name() string { return "hang" }

func (p *hangProvider) Stream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent, 2)
	ch <- ai.StreamEvent{Type: ai.StreamTextStart}
	ch <- ai.StreamEvent{Type: ai.StreamTextDelta, Text: "par"}
	p.once.Do(func() { close(p.started) })
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

// ---------------------------------------------------------------------------
// Script builders
// ---------------------------------------------------------------------------

func textScript(text string) []ai.StreamEvent {
	return []ai.StreamEvent{
		{Type: ai.StreamTextStart},
		{Type: ai.StreamTextDelta, Text: text},
		{Type: ai.StreamTextDone, Text: text},
		{Type: ai.StreamResponseDone, Usage: &ai.Usage{Input: 10, Output: 5}},
	}
}

func toolCallScript(id, name string, args map[string]any) []ai.StreamEvent {
	return []ai.StreamEvent{
		{Type: ai.StreamToolCallStart, CallID: id, CallIndex: 0, ToolName: name},
		{Type: ai.StreamToolCallDone, CallID: id, CallIndex: 0, ToolName: name, Arguments: args},
		{Type: ai.StreamResponseDone, Usage: &ai.Usage{Input: 10, Output: 5}},
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

func testConfig(p ai.Provider) Config {
	return Config{
		WorkingDir: "/tmp",
		Model:      "gpt-4o",
		Provider:   p,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
		},
	}
}

// collectRun drains sub until the run reaches a terminal event.
func collectRun(t *testing.T, sub *bus.Subscription[Event]) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("run never finished; events: %v", eventTypes(out))
		case env, ok := <-sub.Events():
			if !ok {
				t.Fatal("event stream closed mid-run")
			}
			out = append(out, env.Event)
			switch env.Event.Type {
			case EventAgentEnd, EventAgentAbort, EventError:
				return out
			}
		}
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func hasEvent(evs []Event, typ EventType) bool {
	for _, e := range evs {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func deltaText(evs []Event) string {
	var s string
	for _, e := range evs {
		if e.Type == EventMessageDelta {
			s += e.Delta
		}
	}
	return s
}

func pathRoles(msgs []ai.Message) []ai.Role {
	out := make([]ai.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func rolesEqual(got []ai.Role, want ...ai.Role) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// waitIdle polls until the worker has fully unwound after agent_end.
func waitIdle(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for a.Status() != StatusIdle {
		if time.Now().After(deadline) {
			t.Fatalf("agent stuck in %s", a.Status())
		}
		time.Sleep(time.Millisecond)
	}
}
