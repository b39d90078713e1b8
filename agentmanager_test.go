package conclave

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestAgent(t *testing.T, id string, primary bool, responses []ChatResponse) (AgentConfig, *AgentCore, *AgentLoop) {
	t.Helper()
	client := NewModelClient()
	client.Register("mock", &mockProvider{name: "mock", responses: responses})
	cfg := AgentConfig{ID: id, IsPrimary: primary, Model: "mock", MaxTurns: 5}
	core := NewAgentCore(cfg, client, nil)
	disp := NewDispatcher(NewToolRegistry())
	loop := NewAgentLoop(id, core, disp, nil)
	return cfg, core, loop
}

func TestAgentManagerRegisterAgentIdempotent(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "a", true, nil)

	first, err := m.RegisterAgent(cfg, core, loop)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.RegisterAgent(cfg, core, loop)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected RegisterAgent to return the same managed agent on re-registration")
	}
}

func TestAgentManagerFirstPrimaryWins(t *testing.T) {
	m := NewAgentManager(nil)
	cfgA, coreA, loopA := newTestAgent(t, "a", true, nil)
	cfgB, coreB, loopB := newTestAgent(t, "b", true, nil)
	if _, err := m.RegisterAgent(cfgA, coreA, loopA); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterAgent(cfgB, coreB, loopB); err != nil {
		t.Fatal(err)
	}
	id, ok := m.FindPrimaryAgentID()
	if !ok || id != "a" {
		t.Errorf("FindPrimaryAgentID() = (%q, %v), want (\"a\", true)", id, ok)
	}
}

func TestAgentManagerFindPrimaryFallsBackToFirstRegistered(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "solo", false, nil)
	if _, err := m.RegisterAgent(cfg, core, loop); err != nil {
		t.Fatal(err)
	}
	id, ok := m.FindPrimaryAgentID()
	if !ok || id != "solo" {
		t.Errorf("FindPrimaryAgentID() = (%q, %v), want (\"solo\", true)", id, ok)
	}
}

func TestAgentManagerRegisterAfterReadyRejected(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "a", true, nil)
	if _, err := m.RegisterAgent(cfg, core, loop); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background(), NewServices(context.Background(), ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	cfg2, core2, loop2 := newTestAgent(t, "b", false, nil)
	if _, err := m.RegisterAgent(cfg2, core2, loop2); err == nil {
		t.Error("expected registration after StateReady to fail")
	}
}

func TestAgentManagerStartRunReturnsTerminalResult(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "a", true, []ChatResponse{{Content: "done"}})
	if _, err := m.RegisterAgent(cfg, core, loop); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx, NewServices(ctx, ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	defer m.CleanUp(context.Background())

	result, err := m.StartRun(ctx, "a", "hello", RunMetadata{ID: "r1", Mode: ModeTest, MaxTurns: 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "done" {
		t.Errorf("Output = %q, want %q", result.Output, "done")
	}
}

func TestAgentManagerStartRunUnknownAgent(t *testing.T) {
	m := NewAgentManager(nil)
	ctx := context.Background()
	if err := m.Initialize(ctx, NewServices(ctx, ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	defer m.CleanUp(context.Background())

	if _, err := m.StartRun(ctx, "nonexistent", "hi", RunMetadata{Mode: ModeTest}, nil); err == nil {
		t.Error("expected an error for an unregistered agent id")
	}
}

func TestAgentManagerTransferHandoffTagsMessageWithSourceName(t *testing.T) {
	// Primary agent's provider requests a transfer tool call; the worker's
	// provider replies plainly, completing the run on the primary after
	// handback (spec §4.G transfer).
	toolArgs, _ := json.Marshal(map[string]string{"message": "handing off"})

	m := NewAgentManager(nil)
	primaryCfg, primaryCore, primaryLoop := newTestAgent(t, "main", true, []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "transfer_to_worker", Args: toolArgs}}},
		{Content: "all done"},
	})
	workerCfg, workerCore, workerLoop := newTestAgent(t, "worker", false, []ChatResponse{{Content: "worked on it"}})

	transferTool := &transferringTool{targetID: "worker", toolName: "transfer_to_worker"}
	primaryDisp := NewDispatcher(registryWith(transferTool))
	primaryLoop = NewAgentLoop("main", primaryCore, primaryDisp, nil)

	if _, err := m.RegisterAgent(primaryCfg, primaryCore, primaryLoop); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterAgent(workerCfg, workerCore, workerLoop); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx, NewServices(ctx, ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	defer m.CleanUp(context.Background())

	if _, err := m.StartRun(ctx, "main", "please delegate", RunMetadata{Mode: ModeTest, MaxTurns: 5}, nil); err != nil {
		t.Fatal(err)
	}

	msgs := workerCore.window.GetMessages()
	var found bool
	for _, msg := range msgs {
		if msg.Name == "main" {
			found = true
		}
	}
	if !found {
		t.Error("expected the worker's context window to contain a message tagged Name=\"main\" from the handoff")
	}
}

func TestAgentManagerMetricsTrackTotalRuns(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "a", true, []ChatResponse{{Content: "ok"}})
	if _, err := m.RegisterAgent(cfg, core, loop); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx, NewServices(ctx, ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	defer m.CleanUp(context.Background())

	if _, err := m.StartRun(ctx, "a", "hi", RunMetadata{Mode: ModeTest, MaxTurns: 5}, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Metrics().TotalRuns; got != 1 {
		t.Errorf("TotalRuns = %d, want 1", got)
	}
}

func TestAgentManagerCleanUpResetsRegistry(t *testing.T) {
	m := NewAgentManager(nil)
	cfg, core, loop := newTestAgent(t, "a", true, nil)
	if _, err := m.RegisterAgent(cfg, core, loop); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx, NewServices(ctx, ServicesConfig{}), NewToolRegistry()); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(m.AgentIDs()) != 0 {
		t.Error("expected CleanUp to empty the registry")
	}
	if m.State() != StateUninitialized {
		t.Errorf("State() = %v, want StateUninitialized after CleanUp", m.State())
	}
}

// transferringTool requests an AgentTransfer to targetID the first time it's
// invoked; grounded on dispatcher_test.go's transferTool.
type transferringTool struct {
	targetID string
	toolName string
}

func (tr *transferringTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: tr.toolName, Description: "transfer"}}
}

func (tr *transferringTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	var parsed struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(args, &parsed)
	return ToolResult{
		Content: "transferring",
		AgentTransfer: &AgentTransfer{ToAgentID: tr.targetID, Message: parsed.Message},
	}, nil
}

func registryWith(tools ...Tool) *ToolRegistry {
	r := NewToolRegistry()
	for _, t := range tools {
		r.Add(t)
	}
	return r
}
