package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/models"
	"github.com/opal-dev/opal/pkg/ai/providers/copilot"
	"github.com/opal-dev/opal/pkg/ai/providers/openai"
	"github.com/opal-dev/opal/pkg/config"
	"github.com/opal-dev/opal/pkg/session"
	"github.com/opal-dev/opal/pkg/tools"
	"github.com/opal-dev/opal/pkg/tools/tasks"
)

// maxMessageSize bounds one JSON-RPC line.
const maxMessageSize = 10 << 20

// Server bridges JSON-RPC clients to the agent manager.
type Server struct {
	mgr     *agent.Manager
	dataDir string
	tasksDB *tasks.Store // nil when the tasks feature is off
	version string
	logger  *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.FileConfig

	reader  io.Reader
	writer  io.Writer
	writeMu sync.Mutex

	s2cSeq    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan *request
}

// NewServer creates a server over stdin/stdout. Use SetIO for tests.
func NewServer(mgr *agent.Manager, cfg *config.FileConfig, dataDir, version string, tasksDB *tasks.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		mgr:     mgr,
		cfg:     cfg,
		dataDir: dataDir,
		tasksDB: tasksDB,
		version: version,
		logger:  logger,
		reader:  os.Stdin,
		writer:  os.Stdout,
		pending: make(map[string]chan *request),
	}
}

// SetIO overrides the transport streams.
func (s *Server) SetIO(r io.Reader, w io.Writer) {
	s.reader = r
	s.writer = w
}

// Serve reads newline-delimited JSON-RPC messages until the reader closes
// or ctx is cancelled. Agent events stream out as notifications while it
// runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pumpEvents(ctx)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc: read: %w", err)
	}
	return nil
}

// pumpEvents forwards every session's events as agent/event notifications.
func (s *Server) pumpEvents(ctx context.Context) {
	sub := s.mgr.Subscribe(ctx, "")
	for env := range sub.Events() {
		s.notify("agent/event", map[string]any{
			"session_id": env.SessionID,
			"event":      env.Event,
		})
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	// Client answering one of our s2c- requests.
	if req.isResponse() {
		s.resolvePending(&req)
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.isNotification() {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: errCodeInvalidRequest, Message: "invalid request"},
			})
		}
		return
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if req.isNotification() {
		return
	}
	resp := response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	s.writeResponse(resp)
}

func (s *Server) writeResponse(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("rpc: marshal response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.writer.Write(data)
	s.writer.Write([]byte{'\n'})
}

func (s *Server) notify(method string, params any) {
	s.writeResponse(notification{JSONRPC: "2.0", Method: method, Params: params})
}

// ---------------------------------------------------------------------------
// Server-to-client requests
// ---------------------------------------------------------------------------

// Request sends a server-to-client request (e.g. a confirmation prompt) and
// waits for the matching response.
func (s *Server) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := fmt.Sprintf("s2c-%d", s.s2cSeq.Add(1))
	ch := make(chan *request, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	idJSON, _ := json.Marshal(id)
	s.writeResponse(request{JSONRPC: "2.0", ID: idJSON, Method: method, Params: mustMarshal(params)})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc: client error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (s *Server) resolvePending(resp *request) {
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return
	}
	s.pendingMu.Lock()
	ch := s.pending[id]
	s.pendingMu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (s *Server) dispatch(ctx context.Context, req *request) (any, *rpcError) {
	switch req.Method {
	case "opal/ping":
		return "pong", nil
	case "opal/version":
		return map[string]string{"version": s.version}, nil

	case "session/start":
		return s.sessionStart(req.Params)
	case "session/branch":
		return s.sessionBranch(req.Params)
	case "session/compact":
		return s.sessionCompact(ctx, req.Params)
	case "session/list":
		return s.sessionList()
	case "session/delete":
		return s.sessionDelete(req.Params)

	case "agent/prompt":
		return s.agentPrompt(req.Params)
	case "agent/steer":
		return s.agentSteer(req.Params)
	case "agent/abort":
		return s.agentAbort(req.Params)
	case "agent/state":
		return s.agentState(req.Params)

	case "model/set":
		return s.modelSet(req.Params)
	case "thinking/set":
		return s.thinkingSet(req.Params)
	case "models/list":
		return models.All(), nil

	case "tasks/list":
		return s.tasksList(req.Params)

	case "opal/config/get":
		s.cfgMu.RLock()
		defer s.cfgMu.RUnlock()
		return s.cfg, nil
	case "opal/config/set":
		return s.configSet(req.Params)

	case "auth/status":
		return s.authStatus()
	case "auth/set_key":
		return s.authSetKey(req.Params)
	case "auth/poll":
		// Device-code polling is handled by the provider CLI flow; the RPC
		// surface only reports key presence.
		return s.authStatus()

	case "settings/get":
		settings, err := config.LoadSettings(s.dataDir)
		if err != nil {
			return nil, internalErr(err)
		}
		return settings, nil
	case "settings/save":
		return s.settingsSave(req.Params)
	}
	return nil, &rpcError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}
}

func internalErr(err error) *rpcError {
	return &rpcError{Code: errCodeInternal, Message: err.Error()}
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: errCodeInvalidParams, Message: msg}
}

func unmarshalParams(raw json.RawMessage, v any) *rpcError {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type sessionRef struct {
	SessionID string `json:"session_id"`
}

func (s *Server) sessionStart(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		WorkingDir    string `json:"working_dir"`
		Model         string `json:"model"`
		SystemPrompt  string `json:"system_prompt"`
		ThinkingLevel string `json:"thinking_level"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidParams(err.Error())
		}
	}

	cfg, err := s.sessionConfig(p.WorkingDir, p.Model, p.SystemPrompt, p.ThinkingLevel)
	if err != nil {
		return nil, internalErr(err)
	}
	a, err := s.mgr.StartSession(cfg)
	if err != nil {
		return nil, internalErr(err)
	}
	return sessionRef{SessionID: a.ID()}, nil
}

// sessionConfig assembles an agent.Config from the file config, auth store,
// and per-call overrides.
func (s *Server) sessionConfig(workingDir, model, systemPrompt, thinking string) (agent.Config, error) {
	s.cfgMu.RLock()
	fc := *s.cfg
	s.cfgMu.RUnlock()

	if workingDir == "" {
		workingDir = fc.WorkDir
	}
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return agent.Config{}, err
		}
		workingDir = wd
	}
	if model == "" {
		model = fc.Model
	}
	if systemPrompt == "" {
		systemPrompt = fc.SystemPrompt
	}
	if thinking == "" {
		thinking = fc.ThinkingLevel
	}

	apiKey := fc.APIKey
	if apiKey == "" {
		auth, err := config.LoadAuth(s.dataDir)
		if err == nil {
			apiKey = auth.Keys[fc.Provider]
		}
	}

	provider, err := BuildProvider(fc.Provider, fc.BaseURL)
	if err != nil {
		return agent.Config{}, err
	}

	reg := tools.NewRegistry()
	if fc.Features.Tasks && s.tasksDB != nil {
		reg.Register(tasks.NewTool(s.tasksDB))
	}
	if fc.Features.SubAgents {
		reg.Register(agent.NewSpawnTool(s.mgr))
	}

	return agent.Config{
		WorkingDir:    workingDir,
		Model:         model,
		ThinkingLevel: thinking,
		SystemPrompt:  systemPrompt,
		Provider:      provider,
		Tools:         reg,
		DataDir:       s.dataDir,
		AutoSave:      fc.AutoSave,
		APIKey:        apiKey,
		MaxTokens:     fc.MaxTokens,
		Features: agent.Features{
			SubAgents:  fc.Features.SubAgents,
			Compaction: fc.Features.Compaction,
			AutoTitle:  fc.Features.AutoTitle,
			Context:    fc.Features.Context,
			Skills:     fc.Features.Skills,
			Debug:      fc.Features.Debug,
		},
		Compaction: agent.CompactionConfig{
			KeepRecentTokens: fc.Compaction.KeepRecentTokens,
			TriggerRatio:     fc.Compaction.TriggerRatio,
			Instructions:     fc.Compaction.Instructions,
		},
	}, nil
}

// BuildProvider maps a provider name from config to an implementation.
func BuildProvider(name, baseURL string) (ai.Provider, error) {
	switch name {
	case "copilot":
		return copilot.New(baseURL), nil
	case "openai", "":
		return openai.New(baseURL), nil
	}
	return nil, fmt.Errorf("rpc: unknown provider %q", name)
}

func (s *Server) sessionBranch(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		MessageID string `json:"message_id"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mgr.Branch(p.SessionID, p.MessageID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, &rpcError{Code: errCodeNotFound, Message: err.Error()}
		}
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) sessionCompact(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p sessionRef
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mgr.Compact(ctx, p.SessionID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) sessionList() (any, *rpcError) {
	infos, err := s.mgr.ListSessions(s.dataDir)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"sessions": infos, "live": s.mgr.Sessions()}, nil
}

func (s *Server) sessionDelete(raw json.RawMessage) (any, *rpcError) {
	var p sessionRef
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mgr.DeleteSession(s.dataDir, p.SessionID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) agentPrompt(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Text == "" {
		return nil, invalidParams("text must be non-empty")
	}
	if err := s.mgr.Prompt(p.SessionID, p.Text); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) agentSteer(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Text == "" {
		return nil, invalidParams("text must be non-empty")
	}
	if err := s.mgr.Steer(p.SessionID, p.Text); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) agentAbort(raw json.RawMessage) (any, *rpcError) {
	var p sessionRef
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mgr.Abort(p.SessionID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) agentState(raw json.RawMessage) (any, *rpcError) {
	var p sessionRef
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	state, err := s.mgr.GetState(p.SessionID)
	if err != nil {
		return nil, internalErr(err)
	}
	return state, nil
}

func (s *Server) modelSet(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Model     string `json:"model"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Model == "" {
		return nil, invalidParams("model must be non-empty")
	}
	if err := s.mgr.SetModel(p.SessionID, p.Model); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) thinkingSet(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Level     string `json:"level"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mgr.SetThinkingLevel(p.SessionID, p.Level); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) tasksList(raw json.RawMessage) (any, *rpcError) {
	if s.tasksDB == nil {
		return map[string]any{"tasks": []tasks.Task{}}, nil
	}
	var p struct {
		SessionID string `json:"session_id"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidParams(err.Error())
		}
	}
	list, err := s.tasksDB.List(p.SessionID)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"tasks": list}, nil
}

func (s *Server) configSet(raw json.RawMessage) (any, *rpcError) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	updated := *s.cfg
	if rpcErr := unmarshalParams(raw, &updated); rpcErr != nil {
		return nil, rpcErr
	}
	s.cfg = &updated
	return map[string]bool{"ok": true}, nil
}

func (s *Server) authStatus() (any, *rpcError) {
	auth, err := config.LoadAuth(s.dataDir)
	if err != nil {
		return nil, internalErr(err)
	}
	status := map[string]bool{}
	for provider, key := range auth.Keys {
		status[provider] = key != ""
	}
	s.cfgMu.RLock()
	if s.cfg.APIKey != "" {
		status[s.cfg.Provider] = true
	}
	s.cfgMu.RUnlock()
	return map[string]any{"providers": status, "checked_at": time.Now().UTC()}, nil
}

func (s *Server) authSetKey(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Provider == "" || p.Key == "" {
		return nil, invalidParams("provider and key are required")
	}
	auth, err := config.LoadAuth(s.dataDir)
	if err != nil {
		return nil, internalErr(err)
	}
	auth.Keys[p.Provider] = p.Key
	if err := config.SaveAuth(s.dataDir, auth); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) settingsSave(raw json.RawMessage) (any, *rpcError) {
	var settings config.Settings
	if rpcErr := unmarshalParams(raw, &settings); rpcErr != nil {
		return nil, rpcErr
	}
	if err := config.SaveSettings(s.dataDir, settings); err != nil {
		return nil, internalErr(err)
	}
	return map[string]bool{"ok": true}, nil
}
