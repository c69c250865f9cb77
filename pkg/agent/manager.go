package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/bus"
	"github.com/opal-dev/opal/pkg/session"
)

// Manager supervises all sessions and owns the shared event bus. It is the
// public surface consumed by the CLI, the RPC server, and embedders.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Agent
	subParents map[string]string // sub-session ID → parent session ID
	bus        *bus.Bus[Event]
	logger     *slog.Logger
	closed     bool
}

// NewManager creates an empty manager. logger may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		sessions:   make(map[string]*Agent),
		subParents: make(map[string]string),
		bus:        bus.New[Event](logger),
		logger:     logger,
	}
}

// Bus exposes the shared event bus for subscriptions.
func (m *Manager) Bus() *bus.Bus[Event] { return m.bus }

// Subscribe registers for one session's events; removal is automatic when
// ctx ends. Pass sessionID "" to receive every session's events.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) *bus.Subscription[Event] {
	return m.bus.SubscribeContext(ctx, sessionID)
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// StartSession creates a session from cfg, registers it, and starts its
// worker.
func (m *Manager) StartSession(cfg Config) (*Agent, error) {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	store := session.New(id, cfg.WorkingDir)
	a, err := newAgent(id, cfg, m.bus, store, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent: manager is closed")
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent: session %s already exists", id)
	}
	m.sessions[id] = a
	m.mu.Unlock()

	a.start()
	m.logger.Info("session started", "session", id, "model", cfg.Model)
	return a, nil
}

// ResumeSession loads a saved session file and starts a session over its
// message tree. cfg.SessionID is taken from the file.
func (m *Manager) ResumeSession(path string, cfg Config) (*Agent, error) {
	store, err := session.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.SessionID = store.ID()

	a, err := newAgent(store.ID(), cfg, m.bus, store, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent: manager is closed")
	}
	if _, exists := m.sessions[store.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent: session %s already exists", store.ID())
	}
	m.sessions[store.ID()] = a
	m.mu.Unlock()

	a.start()
	m.logger.Info("session resumed", "session", store.ID(), "messages", store.Len())
	return a, nil
}

// Get looks a session up by ID.
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("agent: session %s not found", id)
	}
	return a, nil
}

// StopSession shuts one session down: the worker stops, in-flight work is
// cancelled, sub-agents it spawned are stopped too.
func (m *Manager) StopSession(id string) error {
	m.mu.Lock()
	a, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	delete(m.subParents, id)
	// Collect this session's sub-agents while still under the lock; they
	// never outlive their parent.
	var subs []*Agent
	if ok {
		for sid, parent := range m.subParents {
			if parent != id {
				continue
			}
			if sa, live := m.sessions[sid]; live {
				subs = append(subs, sa)
				delete(m.sessions, sid)
			}
			delete(m.subParents, sid)
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent: session %s not found", id)
	}
	for _, sa := range subs {
		sa.shutdown()
	}
	a.shutdown()
	m.logger.Info("session stopped", "session", id)
	return nil
}

// Sessions returns the IDs of all live sessions.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Close stops every session and shuts the bus down.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	agents := make([]*Agent, 0, len(m.sessions))
	for _, a := range m.sessions {
		agents = append(agents, a)
	}
	m.sessions = make(map[string]*Agent)
	m.mu.Unlock()

	for _, a := range agents {
		a.shutdown()
	}
	m.bus.Close()
}

// ---------------------------------------------------------------------------
// Session operations by ID
// ---------------------------------------------------------------------------

func (m *Manager) Prompt(id, text string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	return a.Prompt(text)
}

func (m *Manager) Steer(id, text string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	return a.Steer(text)
}

func (m *Manager) Abort(id string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.Abort()
	return nil
}

func (m *Manager) GetState(id string) (State, error) {
	a, err := m.Get(id)
	if err != nil {
		return State{}, err
	}
	return a.State(), nil
}

func (m *Manager) SetModel(id, model string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.SetModel(model)
	return nil
}

func (m *Manager) SetThinkingLevel(id, level string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.SetThinkingLevel(level)
	return nil
}

func (m *Manager) Save(id, dir string) (string, error) {
	a, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return a.Save(dir)
}

func (m *Manager) Branch(id, messageID string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	return a.Branch(messageID)
}

func (m *Manager) Compact(ctx context.Context, id string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	return a.Compact(ctx)
}

func (m *Manager) GetPath(id string) ([]ai.Message, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return a.Store().Path(), nil
}

func (m *Manager) GetTree(id string) ([]*session.Node, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return a.Store().Tree(), nil
}

// ListSessions lists saved sessions in dir (a data dir or its sessions/
// subdirectory).
func (m *Manager) ListSessions(dir string) ([]session.Info, error) {
	if filepath.Base(dir) != "sessions" {
		dir = filepath.Join(dir, "sessions")
	}
	return session.List(dir)
}

// DeleteSession removes a saved session file. A live session with that ID
// keeps running.
func (m *Manager) DeleteSession(dir, id string) error {
	if filepath.Base(dir) != "sessions" {
		dir = filepath.Join(dir, "sessions")
	}
	return session.Delete(dir, id)
}

// ---------------------------------------------------------------------------
// PromptSync
// ---------------------------------------------------------------------------

// PromptSync submits a prompt and blocks until the run completes, returning
// the assistant's accumulated text. The subscription is internal; callers
// that want streaming use Subscribe plus Prompt.
func (m *Manager) PromptSync(ctx context.Context, id, text string, timeout time.Duration) (string, error) {
	a, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sub := m.bus.SubscribeContext(ctx, id)
	defer sub.Close()

	if err := a.Prompt(text); err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			a.Abort()
			return "", ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return "", fmt.Errorf("agent: event stream closed")
			}
			switch env.Event.Type {
			case EventMessageDelta:
				sb.WriteString(env.Event.Delta)
			case EventAgentEnd:
				return sb.String(), nil
			case EventAgentAbort:
				return "", fmt.Errorf("agent: run aborted")
			case EventError:
				return "", fmt.Errorf("%s", env.Event.Reason)
			}
		}
	}
}
