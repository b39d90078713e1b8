package conclave

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultToolTimeout bounds a single tool invocation (spec §4.B).
const defaultToolTimeout = 60 * time.Second

// ToolBatchOutcome is the result of dispatching one batch of tool calls: a
// list of ordered results, or — if any call requested a handoff — a single
// AgentTransfer that replaces the results of the other calls (spec §9 redesign
// note: modeled as Results([...]) | Transfer(AgentTransfer), here as a
// struct with a nil-checked Transfer field rather than a Go sum type).
type ToolBatchOutcome struct {
	Results  []ToolCallResult
	Transfer *AgentTransfer
}

// ToolCallResult pairs a ToolResult with the call it answers, preserving
// input order regardless of completion order (spec §4.B step 3).
type ToolCallResult struct {
	CallID string
	Result ToolResult
}

// Dispatcher resolves and executes a batch of tool calls concurrently,
// enforcing a per-call timeout and, when any result carries an
// agent_transfer, reporting the first one it observes in place of the
// batch's results. Grounded on loop.go's dispatchParallel/safeDispatch
// (fixed worker pool, order-preserving collection, panic recovery) and
// tool.go's ToolRegistry (local-then-MCP resolution).
type Dispatcher struct {
	registry *ToolRegistry
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher over registry with the default 60s
// per-call timeout.
func NewDispatcher(registry *ToolRegistry) *Dispatcher {
	return &Dispatcher{registry: registry, timeout: defaultToolTimeout}
}

// WithTimeout overrides the per-call timeout.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	d.timeout = t
	return d
}

// Dispatch resolves and executes calls concurrently (worker pool capped at
// maxParallelDispatch, same bound loop.go uses), collecting results in
// input order. Every call in the batch runs to completion, including calls
// still queued behind the worker cap; if any result carries an
// AgentTransfer, the other results are discarded and the outcome reports
// Transfer instead of Results (spec §4.B step 2 "short circuit on
// transfer").
func (d *Dispatcher) Dispatch(ctx context.Context, calls []ToolCall) ToolBatchOutcome {
	if len(calls) == 0 {
		return ToolBatchOutcome{}
	}
	if len(calls) == 1 {
		res := d.execOne(ctx, calls[0])
		if res.Result.AgentTransfer != nil {
			return ToolBatchOutcome{Transfer: res.Result.AgentTransfer}
		}
		return ToolBatchOutcome{Results: []ToolCallResult{res}}
	}

	type indexed struct {
		idx int
		res ToolCallResult
	}
	workCh := make(chan struct {
		idx int
		tc  ToolCall
	}, len(calls))
	for i, tc := range calls {
		workCh <- struct {
			idx int
			tc  ToolCall
		}{i, tc}
	}
	close(workCh)

	resultCh := make(chan indexed, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				resultCh <- indexed{w.idx, d.execOne(ctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolCallResult, len(calls))
	var transfer *AgentTransfer
	for r := range resultCh {
		results[r.idx] = r.res
		if r.res.Result.AgentTransfer != nil && transfer == nil {
			transfer = r.res.Result.AgentTransfer
		}
	}
	if transfer != nil {
		return ToolBatchOutcome{Transfer: transfer}
	}
	return ToolBatchOutcome{Results: results}
}

// execOne resolves and runs a single call under the dispatcher's timeout,
// recovering from panics the same way loop.go's safeDispatch does.
func (d *Dispatcher) execOne(ctx context.Context, tc ToolCall) (out ToolCallResult) {
	out.CallID = tc.ID
	defer func() {
		if p := recover(); p != nil {
			out.Result = ToolResult{Error: fmt.Sprintf("tool %q panicked: %v", tc.Name, p)}
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.registry.Execute(callCtx, tc.Name, tc.Args)
	if err != nil {
		if callCtx.Err() != nil {
			out.Result = ToolResult{Error: fmt.Sprintf("tool %q timed out after %s", tc.Name, d.timeout)}
			return out
		}
		out.Result = ToolResult{Error: err.Error()}
		return out
	}
	out.Result = res
	return out
}

// ShapeForProvider renders one batch's results in the calling provider's
// tool-result dialect (spec §4.B step 5, §6 "tool call schema"). Claude
// bundles every result from the batch into a single user message holding
// one tool_result block per call, keyed by tool_use_id; other providers
// get one role:tool message per call, keyed by tool_call_id. Either way,
// results are emitted in the same order as the input calls (spec §4.B
// step 2 ordering guarantee) since callers pass results in call order.
func ShapeForProvider(provider string, results []ToolCallResult) []Message {
	switch provider {
	case "anthropic", "claude":
		if len(results) == 0 {
			return nil
		}
		blocks := make([]Block, len(results))
		for i, r := range results {
			blocks[i] = ToolResultBlock(r.CallID, r.Result.Content, r.Result.IsError())
		}
		return []Message{{Role: RoleUser, Content: Content{Blocks: blocks}}}
	default:
		msgs := make([]Message, 0, len(results))
		for _, r := range results {
			text := r.Result.Content
			if r.Result.IsError() {
				text = "error: " + r.Result.Error
			}
			msgs = append(msgs, Message{
				Role:       RoleTool,
				Content:    Content{Text: text},
				ToolCallID: r.CallID,
			})
		}
		return msgs
	}
}
