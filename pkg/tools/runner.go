package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/opal-dev/opal/pkg/ai"
)

// Hooks observe tool execution. All fields are optional. OnUpdate relays a
// tool's streamed output chunks; OnStart and OnEnd bracket each call.
type Hooks struct {
	OnStart  func(call ai.ToolCall)
	OnUpdate func(call ai.ToolCall, chunk string)
	OnEnd    func(call ai.ToolCall, res ai.ToolResult)
}

// Runner executes a batch of tool calls concurrently and returns results in
// input order. One Runner is shared by all sessions; it carries no state.
type Runner struct{}

// Run executes calls against reg. Every call produces exactly one result,
// keyed by call ID and ordered to match calls:
//   - an unknown tool name yields an is_error result, not a failure
//   - a panicking tool yields a "crashed: ..." is_error result
//   - a tool returning an error yields its message as an is_error result
//
// If ctx is cancelled before all tools finish, Run returns ctx.Err() and no
// results; the turn is abandoned, so partial results must not leak into the
// conversation.
func (r *Runner) Run(ctx context.Context, reg *Registry, calls []ai.ToolCall, tc Context, hooks Hooks) ([]ai.ToolResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	results := make([]ai.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ai.ToolCall) {
			defer wg.Done()
			results[i] = r.runOne(ctx, reg, call, tc, hooks)
		}(i, call)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Tools see the cancel through ctx; wait for them so nothing writes
		// results after we return.
		<-done
		return nil, ctx.Err()
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, reg *Registry, call ai.ToolCall, tc Context, hooks Hooks) (res ai.ToolResult) {
	res = ai.ToolResult{CallID: call.ID}
	defer func() {
		if p := recover(); p != nil {
			res.Output = fmt.Sprintf("crashed: %v", p)
			res.IsError = true
		}
		if hooks.OnEnd != nil {
			hooks.OnEnd(call, res)
		}
	}()

	if hooks.OnStart != nil {
		hooks.OnStart(call)
	}

	tool := reg.Get(call.Name)
	if tool == nil {
		res.Output = fmt.Sprintf("Tool not found: %s", call.Name)
		res.IsError = true
		return res
	}

	args, err := ValidateArgs(tool.Definition(), call.Arguments)
	if err != nil {
		res.Output = err.Error()
		res.IsError = true
		return res
	}

	callTC := tc
	callTC.CallID = call.ID
	if hooks.OnUpdate != nil {
		callTC.Emit = func(chunk string) { hooks.OnUpdate(call, chunk) }
	}

	out, err := tool.Execute(ctx, args, callTC)
	if err != nil {
		res.Output = err.Error()
		res.IsError = true
		return res
	}
	res.Output = out
	return res
}
