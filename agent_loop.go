package conclave

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// minUserMessageLen is the shortest text add_user_message accepts (spec
// §4.F user-message injection).
const minUserMessageLen = 3

// LoopOutcome is what one AgentLoop.Run call produces: either a terminal
// AgentResult or an AgentTransfer to hand off to (spec §4.F step 5-6).
// Modeled the same way as ToolBatchOutcome — a struct with a nil-checked
// pointer field rather than a Go sum type.
type LoopOutcome struct {
	Transfer *AgentTransfer
	Result   AgentResult
}

// LoopEnvironment selects which should_continue branch fires when a run
// hits max_turns (spec §4.F step 7).
type LoopEnvironment int

const (
	// EnvProduction enqueues one "please summarize" message and allows a
	// final turn before stopping.
	EnvProduction LoopEnvironment = iota
	// EnvDevelopment raises max_turns by 10 after a confirmation prompt.
	EnvDevelopment
)

// ConfirmFunc asks for confirmation before raising max_turns in
// EnvDevelopment; returning false stops the run as if otherwise (spec
// §4.F step 7 "after confirmation").
type ConfirmFunc func(ctx context.Context) bool

// loopHooks adapts AgentLoop.Run's plain callback into the StreamHooks
// contract AgentCore.RunStreaming needs, accumulating the text of every turn
// of the Run (it is not reset between turns) the same way ChanStreamHooks does so Metadata["accumulated"] is populated for
// callback-based consumers too.
type loopHooks struct {
	agentID  string
	callback func(StreamEvent)

	mu  sync.Mutex
	acc strings.Builder
}

func (h *loopHooks) emit(ev StreamEvent) {
	if h.callback != nil {
		h.callback(ev)
	}
}

func (h *loopHooks) OnStreamStart() {
	h.emit(StreamEvent{Type: EventStepStart, Name: h.agentID})
}

func (h *loopHooks) OnTextChunk(chunk string) *string {
	h.mu.Lock()
	h.acc.WriteString(chunk)
	acc := h.acc.String()
	h.mu.Unlock()
	h.emit(StreamEvent{Type: EventText, Name: h.agentID, Content: chunk, Metadata: map[string]any{"accumulated": acc}})
	return &chunk
}

func (h *loopHooks) OnToolStart(id, name string, args json.RawMessage) {
	h.emit(StreamEvent{Type: EventToolStart, ID: id, Name: name, Args: args})
}

func (h *loopHooks) OnToolEnd(id, name, result string) *string {
	h.mu.Lock()
	acc := h.acc.String()
	h.mu.Unlock()
	h.emit(StreamEvent{Type: EventToolEnd, ID: id, Name: name, Content: result, Metadata: map[string]any{"accumulated": acc}})
	return nil
}

func (h *loopHooks) OnStreamEnd(final StreamEvent) {
	h.emit(final)
}

// toolNameByID looks up a dispatched call's tool name by ID, for tagging
// OnToolEnd callbacks with the name the corresponding OnToolStart used.
func toolNameByID(calls []ToolCall, id string) string {
	for _, c := range calls {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

// AgentLoop drives one AgentCore through successive turns until it
// produces a terminal response, a transfer, or is stopped (spec §4.F).
// Grounded on loop.go's runLoop (the canonical per-iteration tool-calling
// loop: drain queue, call model, dispatch tools, check continuation) and
// network.go's dispatch/Execute (multi-agent routing precedent) —
// generalized here to drive the spec-shaped AgentCore/Dispatcher instead
// of loop.go's own ChatMessage-only request assembly.
type AgentLoop struct {
	agentID string
	core    *AgentCore
	disp    *Dispatcher
	logger  *slog.Logger

	env     LoopEnvironment
	confirm ConfirmFunc

	mu        sync.Mutex
	queue     []string
	stopEvent chan struct{}
	running   chan struct{} // non-nil while a Run is in flight

	summaryRequested bool // EnvProduction's one summarize turn was granted in this Run
}

// NewAgentLoop creates an AgentLoop driving core, dispatching tool calls
// through disp.
func NewAgentLoop(agentID string, core *AgentCore, disp *Dispatcher, logger *slog.Logger) *AgentLoop {
	if logger == nil {
		logger = nopLogger
	}
	return &AgentLoop{agentID: agentID, core: core, disp: disp, logger: logger}
}

// WithEnvironment sets the should_continue environment and, for
// EnvDevelopment, the confirmation callback.
func (l *AgentLoop) WithEnvironment(env LoopEnvironment, confirm ConfirmFunc) *AgentLoop {
	l.env = env
	l.confirm = confirm
	return l
}

// AddUserMessage enqueues text for the next iteration's drain step,
// rejecting anything shorter than minUserMessageLen (spec §4.F).
func (l *AgentLoop) AddUserMessage(text string) bool {
	if len(text) < minUserMessageLen {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, text)
	return true
}

// drainQueue removes and returns all currently queued user messages.
func (l *AgentLoop) drainQueue() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	out := l.queue
	l.queue = nil
	return out
}

// Stop requests the loop to exit: sets the stop event, then waits up to
// 2s for an in-flight Run to observe it before the caller should cancel
// its context (spec §4.F cancellation).
func (l *AgentLoop) Stop(cancel context.CancelFunc) {
	l.mu.Lock()
	if l.stopEvent != nil {
		close(l.stopEvent)
	}
	running := l.running
	l.mu.Unlock()

	if running == nil {
		return
	}
	select {
	case <-running:
	case <-time.After(2 * time.Second):
		if cancel != nil {
			cancel()
		}
	}
}

// Run drives iterations until a terminal result, a transfer, or a stop is
// observed (spec §4.F per-iteration algorithm).
func (l *AgentLoop) Run(ctx context.Context, rm *RunMetadata, callback func(StreamEvent)) (LoopOutcome, error) {
	l.mu.Lock()
	l.stopEvent = make(chan struct{})
	l.running = make(chan struct{})
	l.summaryRequested = false
	stopEvent := l.stopEvent
	running := l.running
	l.mu.Unlock()
	defer close(running)

	hooks := &loopHooks{agentID: l.agentID, callback: callback}

	for {
		select {
		case <-stopEvent:
			return LoopOutcome{Result: AgentResult{}}, nil
		default:
		}

		for _, text := range l.drainQueue() {
			l.core.AddMessage(Message{
				Role:      RoleUser,
				Content:   TextContent(text),
				CreatedAt: time.Now().Unix(),
			})
		}

		result, calls, err := l.core.RunStreaming(ctx, hooks)
		rm.CurrentTurn++
		if err != nil {
			// AgentCore.RunStreaming already appended the error-description
			// assistant message to the window (spec §4.F step 4: "append and
			// callback; continue") before returning it here.
			continue
		}

		if len(calls) == 0 {
			return l.finishOrTransfer(result)
		}

		outcome := l.disp.Dispatch(ctx, calls)
		if outcome.Transfer != nil {
			outcome.Transfer.RunMetadata = *rm
			return LoopOutcome{Transfer: outcome.Transfer}, nil
		}
		// Stored one message per call, each tagged with its own ToolCallID:
		// ContextWindow's pairing invariant (spec §3/§8) keys removal on a
		// single ToolCallID per message, so per-call messages are what the
		// buffer keeps regardless of provider. ShapeForProvider's bundled
		// Claude dialect is applied only when rendering the wire request
		// (toChatMessages/ToParams), not at storage time.
		for _, r := range outcome.Results {
			content := r.Result.Content
			if r.Result.IsError() {
				content = "error: " + r.Result.Error
			}
			if replacement := hooks.OnToolEnd(r.CallID, toolNameByID(calls, r.CallID), content); replacement != nil {
				content = *replacement
			}
			l.core.AddMessage(Message{
				Role:       RoleTool,
				Content:    Content{Blocks: []Block{ToolResultBlock(r.CallID, content, r.Result.IsError())}},
				ToolCallID: r.CallID,
				CreatedAt:  time.Now().Unix(),
			})
			if r.Result.Base64Image != "" {
				l.core.AddMessage(Message{
					Role:      RoleUser,
					Content:   Content{Blocks: []Block{ImageBlock("image/png", r.Result.Base64Image)}},
					CreatedAt: time.Now().Unix(),
				})
			}
		}

		if cont, stop := l.shouldContinue(ctx, rm); stop {
			return LoopOutcome{Result: result}, nil
		} else if !cont {
			return LoopOutcome{Result: result}, nil
		}
	}
}

// finishOrTransfer implements step 5: a primary agent returns its result;
// a non-primary agent transfers control back to the primary.
func (l *AgentLoop) finishOrTransfer(result AgentResult) (LoopOutcome, error) {
	if l.core.config.IsPrimary {
		return LoopOutcome{Result: result}, nil
	}
	return LoopOutcome{Transfer: &AgentTransfer{
		TransferToPrimary: true,
		Message:           result.Output,
	}}, nil
}

// shouldContinue implements spec §4.F step 7's three branches. The first
// return value reports whether to run another iteration; the second
// reports whether the loop must stop immediately (max_turns reached and
// no continuation granted).
func (l *AgentLoop) shouldContinue(ctx context.Context, rm *RunMetadata) (cont bool, stop bool) {
	if rm.MaxTurns <= 0 || rm.CurrentTurn < rm.MaxTurns {
		return true, false
	}
	switch l.env {
	case EnvProduction:
		if l.summaryRequested {
			return false, true
		}
		l.summaryRequested = true
		l.AddUserMessage("please summarize the conversation so far")
		rm.MaxTurns = rm.CurrentTurn + 1
		return true, false
	case EnvDevelopment:
		if l.confirm != nil && l.confirm(ctx) {
			rm.MaxTurns += 10
			return true, false
		}
		return false, true
	default:
		return false, true
	}
}
