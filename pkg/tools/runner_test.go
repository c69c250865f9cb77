package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
)

func echoTool() Tool {
	return &Func{
		Def: ai.ToolDefinition{
			Name:        "echo",
			Description: "echoes input",
			Parameters: MustSchema(SimpleSchema{
				Properties: map[string]Property{"input": {Type: "string"}},
				Required:   []string{"input"},
			}),
		},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			return "Echo: " + args["input"].(string), nil
		},
	}
}

func call(id, name string, args map[string]any) ai.ToolCall {
	return ai.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestRunReturnsResultsInInputOrder(t *testing.T) {
	reg := NewRegistry()
	// Completion order is reverse of input order; results must not be.
	release := make(chan struct{})
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "slow"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			<-release
			return "slow done", nil
		},
	})
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "fast"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			close(release)
			return "fast done", nil
		},
	})

	var r Runner
	results, err := r.Run(context.Background(), reg, []ai.ToolCall{
		call("c1", "slow", nil),
		call("c2", "fast", nil),
	}, Context{}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].CallID != "c1" || results[0].Output != "slow done" {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if results[1].CallID != "c2" || results[1].Output != "fast done" {
		t.Fatalf("results[1] = %+v", results[1])
	}
}

func TestRunPanicBecomesErrorResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "boom"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			panic("nil map write")
		},
	})

	var r Runner
	results, err := r.Run(context.Background(), reg, []ai.ToolCall{
		call("c1", "boom", nil),
		call("c2", "echo", map[string]any{"input": "still here"}),
	}, Context{}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].IsError || results[0].Output != "crashed: nil map write" {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if results[0].CallID != "c1" {
		t.Fatalf("call id = %q", results[0].CallID)
	}
	// The other call is unaffected.
	if results[1].IsError || results[1].Output != "Echo: still here" {
		t.Fatalf("results[1] = %+v", results[1])
	}
}

func TestRunUnknownTool(t *testing.T) {
	var r Runner
	results, err := r.Run(context.Background(), NewRegistry(), []ai.ToolCall{
		call("c1", "nope", nil),
	}, Context{}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].IsError || results[0].Output != "Tool not found: nope" {
		t.Fatalf("results[0] = %+v", results[0])
	}
}

func TestRunToolErrorBecomesErrorResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "fail"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			return "", errors.New("file not found: x.go")
		},
	})

	var r Runner
	results, err := r.Run(context.Background(), reg, []ai.ToolCall{call("c1", "fail", nil)}, Context{}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].IsError || results[0].Output != "file not found: x.go" {
		t.Fatalf("results[0] = %+v", results[0])
	}
}

func TestRunValidationFailureBecomesErrorResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())

	var r Runner
	results, err := r.Run(context.Background(), reg, []ai.ToolCall{
		call("c1", "echo", map[string]any{}), // missing required "input"
	}, Context{}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].IsError || !strings.Contains(results[0].Output, "echo") {
		t.Fatalf("results[0] = %+v", results[0])
	}
}

func TestRunCancelReturnsNoResults(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "hang"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var r Runner
	results, err := r.Run(ctx, reg, []ai.ToolCall{call("c1", "hang", nil)}, Context{}, Hooks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if results != nil {
		t.Fatalf("results = %+v, want nil", results)
	}
}

func TestRunHooksBracketEveryCall(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())

	var mu sync.Mutex
	var events []string
	hooks := Hooks{
		OnStart: func(c ai.ToolCall) {
			mu.Lock()
			events = append(events, "start "+c.ID)
			mu.Unlock()
		},
		OnEnd: func(c ai.ToolCall, res ai.ToolResult) {
			mu.Lock()
			events = append(events, fmt.Sprintf("end %s err=%v", c.ID, res.IsError))
			mu.Unlock()
		},
	}

	var r Runner
	if _, err := r.Run(context.Background(), reg, []ai.ToolCall{
		call("c1", "echo", map[string]any{"input": "a"}),
		call("c2", "missing", nil),
	}, Context{}, hooks); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{
		"start c1": true, "end c1 err=false": true,
		"start c2": true, "end c2 err=true": true,
	}
	for _, e := range events {
		delete(want, e)
	}
	if len(want) != 0 {
		t.Fatalf("missing hook events %v in %v", want, events)
	}
}

func TestRunForwardsStreamedChunks(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "stream"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			tc.Emit("chunk 1")
			tc.Emit("chunk 2")
			return "done", nil
		},
	})

	var mu sync.Mutex
	var chunks []string
	hooks := Hooks{
		OnUpdate: func(c ai.ToolCall, chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
	}

	var r Runner
	results, err := r.Run(context.Background(), reg, []ai.ToolCall{call("c1", "stream", nil)}, Context{}, hooks)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Output != "done" {
		t.Fatalf("output = %q", results[0].Output)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "chunk 1" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestRunSetsCallID(t *testing.T) {
	reg := NewRegistry()
	got := make(chan string, 1)
	reg.Register(&Func{
		Def: ai.ToolDefinition{Name: "who"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			got <- tc.CallID
			return "", nil
		},
	})

	var r Runner
	if _, err := r.Run(context.Background(), reg, []ai.ToolCall{call("c-42", "who", nil)}, Context{}, Hooks{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case id := <-got:
		if id != "c-42" {
			t.Fatalf("call id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("tool never ran")
	}
}

func TestRunEmptyBatch(t *testing.T) {
	var r Runner
	results, err := r.Run(context.Background(), NewRegistry(), nil, Context{}, Hooks{})
	if err != nil || results != nil {
		t.Fatalf("got %v, %v", results, err)
	}
}
