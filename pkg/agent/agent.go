// Package agent implements the per-session loop driving prompt, stream,
// tool execution, and compaction, plus the Manager that supervises all
// sessions and the shared event bus.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/bus"
	"github.com/opal-dev/opal/pkg/session"
	"github.com/opal-dev/opal/pkg/skills"
	"github.com/opal-dev/opal/pkg/tools"
)

// Status is the agent state machine.
type Status string

const (
	// StatusIdle means no active provider request; new prompts accepted.
	StatusIdle Status = "idle"
	// StatusRunning means between streams: executing tools or preparing
	// the next turn.
	StatusRunning Status = "running"
	// StatusStreaming means a provider request is active.
	StatusStreaming Status = "streaming"
)

// State is a point-in-time snapshot of one session, returned by
// Agent.State and handed (via tools.Snapshot) to executing tools.
type State struct {
	SessionID        string         `json:"session_id"`
	Status           Status         `json:"status"`
	Model            string         `json:"model"`
	Provider         string         `json:"provider"`
	ThinkingLevel    string         `json:"thinking_level,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	WorkingDir       string         `json:"working_dir"`
	Messages         []ai.Message   `json:"messages"`
	Tools            []string       `json:"tools"`
	Usage            ai.Usage       `json:"usage"`
	LastPromptTokens int            `json:"last_prompt_tokens"`
	ActiveSkills     []skills.Skill `json:"active_skills,omitempty"`
	ContextEntries   []ContextEntry `json:"context_entries,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Agent owns one session: its store, its worker goroutine, and its slice
// of the shared bus. All loop state (accumulators, steering queue) belongs
// to the worker; public methods hand work to it through the mailbox or
// read snapshots under the mutex.
type Agent struct {
	id     string
	bus    *bus.Bus[Event]
	store  *session.Store
	runner *tools.Runner
	logger *slog.Logger
	tracer trace.Tracer

	// Discovered once at construction; immutable afterwards.
	activeSkills   []skills.Skill
	contextEntries []ContextEntry

	mu            sync.RWMutex
	cfg           Config
	provider      ai.Provider
	registry      *tools.Registry
	status        Status
	usage         ai.Usage
	lastPromptTok int
	lastErr       string
	abortFn       context.CancelFunc

	steerMu       sync.Mutex
	pendingSteers []string

	prompts chan string
	stop    chan struct{}
	done    chan struct{}
}

// newAgent builds a session without starting its worker. The Manager calls
// start after registration so a panicking worker can be restarted.
func newAgent(id string, cfg Config, b *bus.Bus[Event], store *session.Store, logger *slog.Logger) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.WorkingDir == "" {
		return nil, fmt.Errorf("agent: working dir is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Agent{
		id:       id,
		bus:      b,
		store:    store,
		runner:   &tools.Runner{},
		logger:   logger.With("session", id),
		tracer:   otel.Tracer("opal/agent"),
		cfg:      cfg,
		provider: cfg.Provider,
		registry: cfg.Tools,
		status:   StatusIdle,
		prompts:  make(chan string, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.Features.Skills {
		a.activeSkills = skills.Load(cfg.WorkingDir)
	}
	if cfg.Features.Context {
		a.contextEntries = loadContextEntries(cfg.WorkingDir)
	}
	return a, nil
}

// start launches the worker goroutine.
func (a *Agent) start() {
	go a.run()
}

// run is the session worker: one logical thread owning all loop state.
// A panic inside a run is absorbed, reported, and the worker resumes with
// the conversation intact.
func (a *Agent) run() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case text := <-a.prompts:
			a.runGuarded(text)
		}
	}
}

func (a *Agent) runGuarded(text string) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("agent worker crashed", "panic", p)
			a.emit(Event{Type: EventError, Reason: fmt.Sprintf("agent crashed: %v", p)})
			a.setStatus(StatusIdle)
			a.clearAbort()
		}
	}()
	a.runPrompt(text)
}

// ID returns the session ID.
func (a *Agent) ID() string { return a.id }

// Store exposes the session's message tree.
func (a *Agent) Store() *session.Store { return a.store }

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Prompt submits a user message. Fire and forget: the worker picks it up,
// runs the loop, and publishes events. A prompt submitted while a run is
// active joins the steering queue and is consumed at the next turn
// boundary, FIFO with any prior steers.
func (a *Agent) Prompt(text string) error {
	return a.submit(text)
}

// Steer injects a user message into the active run, consumed at the next
// turn boundary. When the agent is idle this is identical to Prompt.
func (a *Agent) Steer(text string) error {
	return a.submit(text)
}

func (a *Agent) submit(text string) error {
	if text == "" {
		return fmt.Errorf("agent: prompt text must be non-empty")
	}
	select {
	case <-a.stop:
		return fmt.Errorf("agent: session %s is stopped", a.id)
	default:
	}

	a.steerMu.Lock()
	if a.Status() != StatusIdle {
		a.pendingSteers = append(a.pendingSteers, text)
		a.steerMu.Unlock()
		return nil
	}
	a.steerMu.Unlock()

	select {
	case a.prompts <- text:
		return nil
	default:
		return fmt.Errorf("agent: session %s prompt queue is full", a.id)
	}
}

// drainSteers pops all queued steering messages in FIFO order.
func (a *Agent) drainSteers() []string {
	a.steerMu.Lock()
	defer a.steerMu.Unlock()
	out := a.pendingSteers
	a.pendingSteers = nil
	return out
}

// settleIdle is the end-of-run status transition. A steer that raced past
// the run's final drain would otherwise sit queued until the next prompt;
// it starts the next run instead.
func (a *Agent) settleIdle() {
	a.steerMu.Lock()
	defer a.steerMu.Unlock()
	if len(a.pendingSteers) > 0 {
		select {
		case a.prompts <- a.pendingSteers[0]:
			a.pendingSteers = a.pendingSteers[1:]
			return
		default:
		}
	}
	a.setStatus(StatusIdle)
}

// Abort cancels the active run: the provider stream and all in-flight tool
// tasks. Messages already appended stay.
func (a *Agent) Abort() {
	a.mu.RLock()
	fn := a.abortFn
	a.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Status returns the current loop state.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// State snapshots the session.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		SessionID:        a.id,
		Status:           a.status,
		Model:            a.cfg.Model,
		Provider:         a.provider.Name(),
		ThinkingLevel:    a.cfg.ThinkingLevel,
		SystemPrompt:     a.cfg.SystemPrompt,
		WorkingDir:       a.cfg.WorkingDir,
		Messages:         a.store.Path(),
		Tools:            a.registry.Names(),
		Usage:            a.usage,
		LastPromptTokens: a.lastPromptTok,
		ActiveSkills:     a.activeSkills,
		ContextEntries:   a.contextEntries,
		Error:            a.lastErr,
	}
}

// SetModel switches the model for subsequent turns. Message history is
// untouched.
func (a *Agent) SetModel(model string) {
	a.mu.Lock()
	a.cfg.Model = model
	a.mu.Unlock()
}

// SetThinkingLevel adjusts the reasoning effort for subsequent turns.
func (a *Agent) SetThinkingLevel(level string) {
	a.mu.Lock()
	a.cfg.ThinkingLevel = level
	a.mu.Unlock()
}

// SetProvider switches the provider for subsequent turns.
func (a *Agent) SetProvider(p ai.Provider) {
	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()
}

// Save snapshots the session to dir (or the configured sessions dir when
// dir is empty).
func (a *Agent) Save(dir string) (string, error) {
	if dir == "" {
		dir = a.sessionsDir()
	}
	if dir == "" {
		return "", fmt.Errorf("agent: no save directory configured")
	}
	return a.store.Save(dir)
}

// Branch moves the session's current leaf; subsequent prompts fork from
// there.
func (a *Agent) Branch(messageID string) error {
	if a.Status() != StatusIdle {
		return fmt.Errorf("agent: cannot branch while %s", a.Status())
	}
	return a.store.Branch(messageID)
}

// Compact forces a compaction pass outside the loop.
func (a *Agent) Compact(ctx context.Context) error {
	if a.Status() != StatusIdle {
		return fmt.Errorf("agent: cannot compact while %s", a.Status())
	}
	return a.compact(ctx)
}

// ---------------------------------------------------------------------------
// Worker internals
// ---------------------------------------------------------------------------

func (a *Agent) emit(e Event) {
	a.bus.Broadcast(a.id, e)
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) setAbort(fn context.CancelFunc) {
	a.mu.Lock()
	a.abortFn = fn
	a.mu.Unlock()
}

func (a *Agent) clearAbort() {
	a.mu.Lock()
	if a.abortFn != nil {
		a.abortFn()
	}
	a.abortFn = nil
	a.mu.Unlock()
}

// snapshot freezes agent state for tool execution. Tools never touch the
// live agent.
func (a *Agent) snapshot() tools.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return tools.Snapshot{
		SessionID:    a.id,
		Model:        a.cfg.Model,
		Provider:     a.provider.Name(),
		SystemPrompt: a.cfg.SystemPrompt,
		WorkingDir:   a.cfg.WorkingDir,
		Messages:     a.store.Path(),
		ToolNames:    a.registry.Names(),
	}
}

func (a *Agent) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *Agent) currentProvider() ai.Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider
}

func (a *Agent) sessionsDir() string {
	cfg := a.config()
	if cfg.DataDir == "" {
		return ""
	}
	return cfg.DataDir + "/sessions"
}

// shutdown stops the worker and waits for it. Idempotent via the Manager.
func (a *Agent) shutdown() {
	a.Abort()
	close(a.stop)
	<-a.done
}
