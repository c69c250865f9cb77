package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/tools"
)

// Tool exposes the task list to the model. One action per call.
type Tool struct {
	store *Store
}

// NewTool wraps store as a registrable tool.
func NewTool(store *Store) *Tool { return &Tool{store: store} }

func (t *Tool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name: "tasks",
		Description: "Track work items for this session. Actions: add (subject required), " +
			"update (id and status required; status is pending, in_progress, or done), " +
			"remove (id required), list.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"action": {
					Type:        "string",
					Description: "What to do with the task list",
					Enum:        []any{"add", "update", "remove", "list"},
				},
				"subject": {Type: "string", Description: "Short description of the task (add)"},
				"id":      {Type: "string", Description: "Task ID (update, remove)"},
				"status":  {Type: "string", Description: "New status (update)", Enum: []any{StatusPending, StatusInProgress, StatusDone}},
			},
			Required: []string{"action"},
		}),
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		subject, _ := args["subject"].(string)
		if strings.TrimSpace(subject) == "" {
			return "", fmt.Errorf("add requires a subject")
		}
		task, err := t.store.Add(tc.SessionID, subject)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Added task %s: %s", task.ID, task.Subject), nil

	case "update":
		id, _ := args["id"].(string)
		status, _ := args["status"].(string)
		if id == "" || status == "" {
			return "", fmt.Errorf("update requires id and status")
		}
		if err := t.store.SetStatus(id, status); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task %s is now %s", id, status), nil

	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return "", fmt.Errorf("remove requires id")
		}
		if err := t.store.Delete(id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed task %s", id), nil

	case "list":
		list, err := t.store.List(tc.SessionID)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "No tasks.", nil
		}
		var b strings.Builder
		for _, task := range list {
			fmt.Fprintf(&b, "[%s] %s  %s\n", task.Status, task.ID, task.Subject)
		}
		return b.String(), nil

	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}
