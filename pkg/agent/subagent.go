// Package agent — sub-agent delegation.
//
// The spawn tool runs a child agent for a focused task. Children get the
// parent's tool set minus the spawn tool itself, so delegation depth is
// exactly one. Every child event is forwarded to the parent's session
// wrapped as a sub_agent_event; the tool result is the child's final text.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/tools"
)

// SpawnToolName is the registry name of the sub-agent tool.
const SpawnToolName = "sub_agent"

// subSessionPrefix marks sub-agent session IDs.
const subSessionPrefix = "sub-"

// SpawnTool delegates a task to a child agent. It runs inside a tool task,
// never on the parent's worker, so awaiting the child cannot deadlock the
// parent loop.
type SpawnTool struct {
	mgr *Manager
}

// NewSpawnTool returns the sub-agent tool backed by mgr.
func NewSpawnTool(mgr *Manager) *SpawnTool { return &SpawnTool{mgr: mgr} }

func (t *SpawnTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name: SpawnToolName,
		Description: "Delegate a self-contained task to a sub-agent with its own context. " +
			"The sub-agent has the same tools as you (except this one) and returns its final answer.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"prompt":        {Type: "string", Description: "The task for the sub-agent"},
				"system_prompt": {Type: "string", Description: "Override the sub-agent's system prompt"},
				"model":         {Type: "string", Description: "Override the model"},
				"working_dir":   {Type: "string", Description: "Override the working directory"},
			},
			Required: []string{"prompt"},
		}),
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (out string, err error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	overrides := Overrides{}
	if v, ok := args["system_prompt"].(string); ok {
		overrides.SystemPrompt = v
	}
	if v, ok := args["model"].(string); ok {
		overrides.Model = v
	}
	if v, ok := args["working_dir"].(string); ok {
		overrides.WorkingDir = v
	}

	child, err := t.mgr.spawnSubAgent(tc.SessionID, tc.State, overrides)
	if err != nil {
		return "", fmt.Errorf("sub-agent spawn failed: %w", err)
	}
	defer t.mgr.StopSession(child.ID())

	// Subscribe before prompting so no child event is missed. Forwarding
	// and collection share one loop.
	sub := t.mgr.bus.SubscribeContext(ctx, child.ID())
	defer sub.Close()

	if err := child.Prompt(prompt); err != nil {
		return "", fmt.Errorf("sub-agent prompt failed: %w", err)
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			child.Abort()
			return "", ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return "", fmt.Errorf("sub-agent crashed: event stream closed")
			}
			inner := env.Event
			t.mgr.bus.Broadcast(tc.SessionID, Event{
				Type:         EventSubAgent,
				ParentCallID: tc.CallID,
				SubSessionID: child.ID(),
				Inner:        &inner,
			})
			switch inner.Type {
			case EventMessageDelta:
				text.WriteString(inner.Delta)
			case EventAgentEnd:
				return text.String(), nil
			case EventAgentAbort:
				return "", fmt.Errorf("sub-agent aborted")
			case EventError:
				if strings.HasPrefix(inner.Reason, "agent crashed") {
					return "", fmt.Errorf("sub-agent crashed: %s", inner.Reason)
				}
				return "", fmt.Errorf("sub-agent failed: %s", inner.Reason)
			}
		}
	}
}

// spawnSubAgent creates a child session under the parent's manager from a
// frozen parent snapshot.
func (m *Manager) spawnSubAgent(parentID string, snap tools.Snapshot, ov Overrides) (*Agent, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(parentID, subSessionPrefix) {
		return nil, fmt.Errorf("sub-agents cannot spawn sub-agents")
	}

	cfg := parent.config()
	cfg.SessionID = subSessionPrefix + uuid.NewString()
	cfg.Tools = parent.registry.CloneWithout(SpawnToolName)
	cfg.SystemPrompt = snap.SystemPrompt
	cfg.WorkingDir = snap.WorkingDir
	cfg.Model = snap.Model
	cfg.Provider = parent.currentProvider()
	cfg.Features.SubAgents = false
	cfg.Features.AutoTitle = false
	cfg.AutoSave = false

	if ov.SystemPrompt != "" {
		cfg.SystemPrompt = ov.SystemPrompt
	}
	if ov.Model != "" {
		cfg.Model = ov.Model
	}
	if ov.WorkingDir != "" {
		cfg.WorkingDir = ov.WorkingDir
	}
	if ov.Provider != nil {
		cfg.Provider = ov.Provider
	}

	child, err := m.StartSession(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.subParents[child.ID()] = parentID
	m.mu.Unlock()
	return child, nil
}

// Overrides adjust a sub-agent relative to its parent's snapshot.
type Overrides struct {
	SystemPrompt string
	Model        string
	WorkingDir   string
	Provider     ai.Provider
}
