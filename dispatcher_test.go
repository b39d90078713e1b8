package conclave

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// slowTool sleeps past the dispatcher's timeout before answering.
type slowTool struct{ delay time.Duration }

func (slowTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "slow", Description: "Sleeps"}}
}

func (t slowTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	select {
	case <-time.After(t.delay):
		return ToolResult{Content: "done"}, nil
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
}

// transferTool always returns a result carrying an AgentTransfer.
type transferTool struct{}

func (transferTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "transfer", Description: "Hands off"}}
}

func (transferTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{AgentTransfer: &AgentTransfer{ToAgentID: "helper", Message: "take over"}}, nil
}

func newTestDispatcher(tools ...Tool) *Dispatcher {
	reg := NewToolRegistry()
	for _, t := range tools {
		reg.Add(t)
	}
	return NewDispatcher(reg)
}

func TestDispatchOrderingPreservedDespiteConcurrency(t *testing.T) {
	d := newTestDispatcher(multiTool{}, mockTool{}, mockToolCalc{})
	calls := []ToolCall{
		{ID: "1", Name: "write"},
		{ID: "2", Name: "greet"},
		{ID: "3", Name: "calc"},
		{ID: "4", Name: "read"},
	}
	outcome := d.Dispatch(context.Background(), calls)
	if outcome.Transfer != nil {
		t.Fatalf("unexpected transfer")
	}
	if len(outcome.Results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(outcome.Results))
	}
	for i, r := range outcome.Results {
		if r.CallID != calls[i].ID {
			t.Errorf("result %d: CallID = %q, want %q (order not preserved)", i, r.CallID, calls[i].ID)
		}
	}
}

func TestDispatchUnknownToolProducesErrorResult(t *testing.T) {
	d := newTestDispatcher(mockTool{})
	outcome := d.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "no.such.tool"}})
	if len(outcome.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(outcome.Results))
	}
	r := outcome.Results[0]
	if !r.Result.IsError() {
		t.Fatalf("expected error result for unknown tool")
	}
	if got := r.Result.Error; got == "unknown tool: no.such.tool" {
		t.Errorf("tool name should be sanitized (dots stripped), got %q", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := newTestDispatcher(slowTool{delay: 50 * time.Millisecond}).WithTimeout(5 * time.Millisecond)
	outcome := d.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "slow"}})
	if len(outcome.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(outcome.Results))
	}
	if !outcome.Results[0].Result.IsError() {
		t.Fatalf("expected timeout to produce an error result")
	}
}

func TestDispatchOtherCallsContinueAfterOneTimesOut(t *testing.T) {
	d := newTestDispatcher(slowTool{delay: 50 * time.Millisecond}, mockTool{}).WithTimeout(5 * time.Millisecond)
	outcome := d.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "greet"},
	})
	if len(outcome.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(outcome.Results))
	}
	if !outcome.Results[0].Result.IsError() {
		t.Error("slow call should have errored")
	}
	if outcome.Results[1].Result.Content != "hello from greet" {
		t.Errorf("fast call should have completed normally, got %q", outcome.Results[1].Result.Content)
	}
}

func TestDispatchShortCircuitsOnTransfer(t *testing.T) {
	d := newTestDispatcher(transferTool{}, mockTool{})
	outcome := d.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "greet"},
		{ID: "2", Name: "transfer"},
	})
	if outcome.Transfer == nil {
		t.Fatal("expected a transfer outcome")
	}
	if outcome.Transfer.ToAgentID != "helper" {
		t.Errorf("transfer target = %q, want helper", outcome.Transfer.ToAgentID)
	}
	if outcome.Results != nil {
		t.Errorf("expected remaining results discarded, got %v", outcome.Results)
	}
}

func TestDispatchSingleCallTransferShortCircuit(t *testing.T) {
	d := newTestDispatcher(transferTool{})
	outcome := d.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "transfer"}})
	if outcome.Transfer == nil {
		t.Fatal("expected a transfer outcome for a single-call batch")
	}
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := newTestDispatcher(mockTool{})
	outcome := d.Dispatch(context.Background(), nil)
	if outcome.Transfer != nil || len(outcome.Results) != 0 {
		t.Fatalf("expected empty outcome for empty batch, got %+v", outcome)
	}
}

func TestDispatchPanicRecovered(t *testing.T) {
	d := newTestDispatcher(panicTool{})
	outcome := d.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "panics"}})
	if len(outcome.Results) != 1 || !outcome.Results[0].Result.IsError() {
		t.Fatalf("expected a recovered error result, got %+v", outcome.Results)
	}
}

type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "panics", Description: "Always panics"}}
}

func (panicTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	panic("boom")
}

func TestShapeForProviderClaudeBundlesIntoOneMessage(t *testing.T) {
	results := []ToolCallResult{
		{CallID: "1", Result: ToolResult{Content: "ok1"}},
		{CallID: "2", Result: ToolResult{Error: "boom"}},
	}
	msgs := ShapeForProvider("anthropic", results)
	if len(msgs) != 1 {
		t.Fatalf("expected Claude dialect to bundle into 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser {
		t.Errorf("expected bundled message role=user, got %s", msgs[0].Role)
	}
	blocks := msgs[0].Content.Blocks
	if len(blocks) != 2 {
		t.Fatalf("expected 2 tool_result blocks, got %d", len(blocks))
	}
	if blocks[0].ToolResultForID != "1" || blocks[1].ToolResultForID != "2" {
		t.Errorf("blocks out of order or mismatched ids: %+v", blocks)
	}
	if !blocks[1].IsError {
		t.Errorf("expected second block to carry is_error=true")
	}
}

func TestShapeForProviderOtherDialectOneMessagePerCall(t *testing.T) {
	results := []ToolCallResult{
		{CallID: "1", Result: ToolResult{Content: "ok"}},
		{CallID: "2", Result: ToolResult{Error: "broke"}},
	}
	msgs := ShapeForProvider("openai", results)
	if len(msgs) != 2 {
		t.Fatalf("expected 1 message per call, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Role != RoleTool {
			t.Errorf("message %d: role = %s, want tool", i, m.Role)
		}
		if m.ToolCallID != results[i].CallID {
			t.Errorf("message %d: tool_call_id = %q, want %q", i, m.ToolCallID, results[i].CallID)
		}
	}
	if msgs[1].Content.Text != "error: broke" {
		t.Errorf("expected error-prefixed content, got %q", msgs[1].Content.Text)
	}
}

func TestShapeForProviderEmpty(t *testing.T) {
	if msgs := ShapeForProvider("anthropic", nil); msgs != nil {
		t.Errorf("expected nil for empty results, got %v", msgs)
	}
	if msgs := ShapeForProvider("openai", nil); len(msgs) != 0 {
		t.Errorf("expected empty slice for empty results, got %v", msgs)
	}
}
