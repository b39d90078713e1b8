package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ManagerState is the Agent Manager's process-wide state machine (spec §4.G):
//
//	UNINITIALIZED → INITIALIZING → READY → RUNNING → (STOPPED | ERROR) → READY | CLEANING
//
// Invalid transitions fail fast with *ErrStateTransition — these are
// programmer errors, not recoverable I/O (spec §7).
type ManagerState int32

const (
	StateUninitialized ManagerState = iota
	StateInitializing
	StateReady
	// StateRunning is reused from handle.go's ExecState-adjacent naming only
	// in spirit; the Manager's own state constant lives in this block.
	StateManagerRunning
	StateStopped
	StateError
	StateCleaning
)

func (s ManagerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateManagerRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateCleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// StateRunning aliases StateManagerRunning so ErrStateTransition examples
// and callers can write the shorter, spec-matching name.
const StateRunning = StateManagerRunning

// managedAgent is the Manager's bookkeeping record for one registered agent:
// its immutable config, its live Agent core, and its per-agent runtime state.
type managedAgent struct {
	mu     sync.Mutex
	config AgentConfig
	core   *AgentCore
	loop   *AgentLoop
	state  AgentRunState
}

// AgentRunState is the per-agent run indicator the Manager tracks
// independently of the Manager's own ManagerState (spec §4.G "sets initial
// agent states to IDLE", "source agent → IDLE", "target state RUNNING").
type AgentRunState string

const (
	AgentIdle    AgentRunState = "idle"
	AgentActive  AgentRunState = "running"
	AgentStopped AgentRunState = "stopped"
)

// TransferRecord is one entry in the Manager's bounded recent-transfer log.
type TransferRecord struct {
	From string
	To   string
	At   time.Time
	OK   bool
}

// ManagerMetrics are the counters spec §4.G requires.
type ManagerMetrics struct {
	TotalTransfers      int
	SuccessfulTransfers int
	FailedTransfers     int
	TotalRuns           int
	ErrorsByType        map[string]int
	RecentTransfers     []TransferRecord
	StartedAt           time.Time
}

const maxRecentTransfers = 10

// AgentManager is the multi-agent supervisor: registration, active-agent
// selection, the ManagerState machine, transfer arbitration, and lifecycle
// (spec §4.G). Grounded on handle.go's concurrency-safe AgentHandle pattern
// and network.go's prefix-routed dispatch, generalized into the full state
// machine per spec.md §9's redesign guidance; transition names and the
// "<background>…</background>" handoff phrasing are taken from
// original_source/src/cue/_agent_state_machine.py and _agent_manager.py.
type AgentManager struct {
	mu    sync.Mutex
	state ManagerState

	agents    map[string]*managedAgent
	order     []string // registration order, for deterministic iteration
	primaryID string

	active string // currently active agent id

	services *Services
	tools    *ToolRegistry

	logger *slog.Logger

	metrics ManagerMetrics

	stopEvent chan struct{}
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewAgentManager creates a Manager in StateUninitialized.
func NewAgentManager(logger *slog.Logger) *AgentManager {
	if logger == nil {
		logger = nopLogger
	}
	return &AgentManager{
		state:   StateUninitialized,
		agents:  make(map[string]*managedAgent),
		logger:  logger,
		metrics: ManagerMetrics{ErrorsByType: make(map[string]int)},
	}
}

// State returns the current ManagerState.
func (m *AgentManager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *AgentManager) transition(op string, from []ManagerState, to ManagerState) error {
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return &ErrStateTransition{From: m.state, To: to, Op: op}
}

// RegisterAgent returns the existing managed agent if id is already
// present (round-trip idempotent per spec §8); otherwise it constructs one,
// records it, and sets it primary if cfg.IsPrimary and no primary exists yet
// — first registration with IsPrimary=true wins (spec §4.G, §8 invariant 3).
//
// Registration is permitted only before the Manager reaches StateReady,
// matching the concurrency model's requirement that register_agent never
// races with start_run (spec §5).
func (m *AgentManager) RegisterAgent(cfg AgentConfig, core *AgentCore, loop *AgentLoop) (*managedAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized && m.state != StateInitializing {
		return nil, &ErrStateTransition{From: m.state, To: m.state, Op: "register_agent"}
	}

	if existing, ok := m.agents[cfg.ID]; ok {
		return existing, nil
	}

	ma := &managedAgent{config: cfg, core: core, loop: loop, state: AgentIdle}
	m.agents[cfg.ID] = ma
	m.order = append(m.order, cfg.ID)

	if cfg.IsPrimary && m.primaryID == "" {
		m.primaryID = cfg.ID
	}
	return ma, nil
}

// FindPrimaryAgentID returns the registered primary agent id, or — if none
// was flagged primary — marks the first-registered agent primary and
// returns its id (spec §8 invariant 3).
func (m *AgentManager) FindPrimaryAgentID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primaryID != "" {
		return m.primaryID, true
	}
	if len(m.order) == 0 {
		return "", false
	}
	m.primaryID = m.order[0]
	return m.primaryID, true
}

// Initialize constructs the shared ServiceManager (if enabled) and
// ToolRegistry, initializes all agents in parallel, sets their run states
// to idle, and updates each agent's "other agents" info (spec §4.G).
func (m *AgentManager) Initialize(ctx context.Context, services *Services, tools *ToolRegistry) error {
	m.mu.Lock()
	if err := m.transition("start_initialization", []ManagerState{StateUninitialized}, StateInitializing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.services = services
	m.tools = tools
	agents := make([]*managedAgent, 0, len(m.order))
	for _, id := range m.order {
		agents = append(agents, m.agents[id])
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ma := range agents {
		wg.Add(1)
		go func(ma *managedAgent) {
			defer wg.Done()
			ma.mu.Lock()
			defer ma.mu.Unlock()
			if ma.core != nil {
				if err := ma.core.Initialize(ctx, m.tools, m.services); err != nil {
					m.logger.Error("agent initialize failed", "agent", ma.config.ID, "error", err)
				}
			}
			ma.state = AgentIdle
		}(ma)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.StartedAt = time.Now()
	return m.transition("initialize", []ManagerState{StateInitializing}, StateReady)
}

// StartRun sets the active agent RUNNING, resets its current_turn to 0,
// enqueues the initial user message, and dispatches the driving loop
// (spec §4.G). In ModeRunner, the run is detached; otherwise StartRun
// blocks until the run terminates.
func (m *AgentManager) StartRun(ctx context.Context, activeAgentID, message string, rm RunMetadata, callback func(StreamEvent)) (AgentResult, error) {
	m.mu.Lock()
	if err := m.transition("start_run", []ManagerState{StateReady}, StateManagerRunning); err != nil {
		m.mu.Unlock()
		return AgentResult{}, err
	}
	ma, ok := m.agents[activeAgentID]
	if !ok {
		m.state = StateReady
		m.mu.Unlock()
		return AgentResult{}, fmt.Errorf("agent manager: unknown agent %q", activeAgentID)
	}
	m.active = activeAgentID
	m.metrics.TotalRuns++
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.stopEvent = make(chan struct{})
	m.runDone = make(chan struct{})
	m.mu.Unlock()

	ma.mu.Lock()
	ma.state = AgentActive
	ma.mu.Unlock()

	rm.CurrentTurn = 0
	if ma.loop != nil {
		ma.loop.AddUserMessage(message)
	}

	// A finished run (completed, failed or stopped) returns the Manager to READY.
	finish := func() {
		m.mu.Lock()
		if m.state == StateManagerRunning || m.state == StateStopped {
			m.state = StateReady
		}
		m.mu.Unlock()
	}

	if rm.Mode == ModeRunner {
		go func() {
			defer close(m.runDone)
			defer finish()
			_, _ = m.executeRun(runCtx, ma, rm, callback)
		}()
		return AgentResult{}, nil
	}
	defer close(m.runDone)
	defer finish()
	return m.executeRun(runCtx, ma, rm, callback)
}

// executeRun loops calling the Agent Loop; on AgentTransfer it hands off
// via handleTransfer and continues from the new active agent (spec §4.G).
func (m *AgentManager) executeRun(ctx context.Context, ma *managedAgent, rm RunMetadata, callback func(StreamEvent)) (AgentResult, error) {
	for {
		if ma.loop == nil {
			return AgentResult{}, fmt.Errorf("agent manager: agent %q has no loop", ma.config.ID)
		}
		out, err := ma.loop.Run(ctx, &rm, callback)
		if err != nil {
			m.recordError(err)
			return AgentResult{}, err
		}
		if out.Transfer == nil {
			return out.Result, nil
		}
		next, err := m.handleTransfer(ctx, ma, *out.Transfer)
		if err != nil || next == nil {
			// Unknown target: remain on source, source already notified.
			continue
		}
		ma = next
	}
}

// handleTransfer resolves the transfer target, builds a bounded handoff
// context, switches the active agent, and sets the target RUNNING
// (spec §4.G). Returns the new managedAgent to continue the run loop on,
// or nil if the target was unknown (run continues on the source agent).
func (m *AgentManager) handleTransfer(ctx context.Context, source *managedAgent, t AgentTransfer) (*managedAgent, error) {
	source.mu.Lock()
	source.state = AgentIdle
	source.mu.Unlock()

	m.mu.Lock()
	targetID := t.ToAgentID
	if t.TransferToPrimary {
		targetID = m.primaryID
		if targetID == "" && len(m.order) > 0 {
			targetID = m.order[0]
			m.primaryID = targetID
		}
	}
	target, ok := m.agents[targetID]
	m.mu.Unlock()

	if !ok {
		m.mu.Lock()
		m.metrics.TotalTransfers++
		m.metrics.FailedTransfers++
		m.pushRecentTransfer(TransferRecord{From: source.config.ID, To: t.ToAgentID, At: time.Now(), OK: false})
		m.mu.Unlock()

		if source.loop != nil {
			source.loop.AddUserMessage(fmt.Sprintf("[SYSTEM] transfer target %q is unknown; remaining on %s", t.ToAgentID, source.config.ID))
		}
		m.logger.Warn("unknown transfer target", "target", t.ToAgentID, "source", source.config.ID)
		return nil, &ErrUnknownTransferTarget{AgentID: t.ToAgentID}
	}

	handoff := t.Context
	if t.MaxMessages > 0 && source.core != nil {
		handoff = source.core.BuildContextForNextAgent(t.MaxMessages)
	}

	if target.core != nil {
		if handoff != "" {
			target.core.AddMessage(Message{
				Role:      RoleAssistant,
				Content:   TextContent(fmt.Sprintf("Here is context from %s <background>%s</background>", source.config.ID, handoff)),
				CreatedAt: time.Now().Unix(),
			})
		}
		target.core.AddMessage(Message{
			Role:      RoleAssistant,
			Name:      source.config.ID,
			Content:   TextContent(t.Message),
			CreatedAt: time.Now().Unix(),
		})
	}

	m.mu.Lock()
	m.active = targetID
	m.metrics.TotalTransfers++
	m.metrics.SuccessfulTransfers++
	m.pushRecentTransfer(TransferRecord{From: source.config.ID, To: targetID, At: time.Now(), OK: true})
	m.mu.Unlock()

	target.mu.Lock()
	target.state = AgentActive
	target.mu.Unlock()

	return target, nil
}

// TextContent is a small helper constructing a plain-text Content value.
func TextContent(s string) Content { return Content{Text: s} }

func (m *AgentManager) pushRecentTransfer(r TransferRecord) {
	m.metrics.RecentTransfers = append(m.metrics.RecentTransfers, r)
	if len(m.metrics.RecentTransfers) > maxRecentTransfers {
		m.metrics.RecentTransfers = m.metrics.RecentTransfers[len(m.metrics.RecentTransfers)-maxRecentTransfers:]
	}
}

func (m *AgentManager) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.ErrorsByType[fmt.Sprintf("%T", err)]++
}

// StopRun appends a SYSTEM notice to the active agent, sets state STOPPED,
// signals the stop event, waits up to 2s for the in-flight run to observe
// it, then force-cancels (spec §4.G, §5 graceful-stop timeout).
func (m *AgentManager) StopRun(ctx context.Context) error {
	m.mu.Lock()
	if err := m.transition("stop_run", []ManagerState{StateManagerRunning}, StateStopped); err != nil {
		m.mu.Unlock()
		return err
	}
	activeID := m.active
	stopEvent := m.stopEvent
	cancel := m.runCancel
	runDone := m.runDone
	m.mu.Unlock()

	if ma, ok := m.agents[activeID]; ok && ma.loop != nil {
		ma.loop.AddUserMessage("[SYSTEM] run stopped by user; awaiting next instruction")
	}
	if stopEvent != nil {
		close(stopEvent)
	}

	if runDone != nil {
		select {
		case <-runDone:
		case <-time.After(2 * time.Second):
			if cancel != nil {
				cancel()
			}
		}
	}

	m.mu.Lock()
	m.stopEvent = nil
	m.mu.Unlock()
	return nil
}

// CleanUp closes the service manager, cancels all agent cleanups in
// parallel, and empties the registry (spec §4.G).
func (m *AgentManager) CleanUp(ctx context.Context) error {
	m.mu.Lock()
	if err := m.transition("clean_up", []ManagerState{StateReady, StateStopped, StateError}, StateCleaning); err != nil {
		m.mu.Unlock()
		return err
	}
	services := m.services
	agents := make([]*managedAgent, 0, len(m.agents))
	for _, ma := range m.agents {
		agents = append(agents, ma)
	}
	m.mu.Unlock()

	if services != nil {
		services.Close()
	}

	var wg sync.WaitGroup
	for _, ma := range agents {
		wg.Add(1)
		go func(ma *managedAgent) {
			defer wg.Done()
			if ma.core != nil {
				ma.core.Drain(2 * time.Second)
			}
		}(ma)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*managedAgent)
	m.order = nil
	m.primaryID = ""
	m.active = ""
	m.state = StateUninitialized
	return nil
}

// Metrics returns a snapshot of the Manager's counters (spec §4.G).
func (m *AgentManager) Metrics() ManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	out.ErrorsByType = make(map[string]int, len(m.metrics.ErrorsByType))
	for k, v := range m.metrics.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	out.RecentTransfers = append([]TransferRecord(nil), m.metrics.RecentTransfers...)
	if !out.StartedAt.IsZero() {
		_ = time.Since(out.StartedAt) // uptime derivable by caller from StartedAt
	}
	return out
}

// UptimeSeconds reports seconds since Initialize completed.
func (m *AgentManager) UptimeSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics.StartedAt.IsZero() {
		return 0
	}
	return time.Since(m.metrics.StartedAt).Seconds()
}

// AgentIDs returns registered agent ids sorted alphabetically, not in
// registration order.
func (m *AgentManager) AgentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out) // deterministic for callers that don't care about registration order
	return out
}
