package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// cachedUserMessages is how many of the most recent user messages get
// Anthropic prompt-cache markers (spec §4.E caching strategy).
const cachedUserMessages = 3

// AgentCore is the concrete, spec-shaped implementation of one agent's
// runtime: config, context window, runtime stats, and a single-request
// Run call into the Model Client (spec §4.E). It is distinct from the
// package's pre-existing agentCore (lowercase — the shared-field struct
// embedded by LLMAgent/Network for their own single-shot execution model,
// left in place and untouched since those types still implement the Agent
// interface and are exercised by their own tests). AgentCore is what
// AgentManager and AgentLoop drive.
//
// Grounded on agentCore's shared-struct pattern (config/provider/tools
// bundled on one struct, initialized once) and llmagent.go's NewLLMAgent
// construction flow, generalized to own a ContextWindow instead of the
// ad-hoc message slice agentMemory manages.
type AgentCore struct {
	mu sync.Mutex

	config AgentConfig
	client *ModelClient
	window *ContextWindow
	tools  *ToolRegistry
	logger *slog.Logger

	state AgentState
}

// NewAgentCore creates an AgentCore for cfg. client resolves completions by
// provider name (modelclient.go); logger defaults to a no-op logger.
func NewAgentCore(cfg AgentConfig, client *ModelClient, logger *slog.Logger) *AgentCore {
	if logger == nil {
		logger = nopLogger
	}
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = 100_000
	}
	return &AgentCore{
		config: cfg,
		client: client,
		window: NewContextWindow(maxTokens, logger),
		logger: logger,
	}
}

// Initialize wires the shared tool registry, sets the system prompt on the
// context window, and marks the agent initialized. The services bundle is
// accepted but not stored or used
// (spec §4.E initialize; idempotent — a second call is a no-op).
func (c *AgentCore) Initialize(ctx context.Context, tools *ToolRegistry, services *Services) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.HasInitialized {
		return nil
	}
	c.tools = tools
	c.window.SetSystemContext(c.config.SystemPrompt)
	c.state.HasInitialized = true
	c.state.SystemTokens = runeTokenCounter{}.Count(c.config.SystemPrompt)
	return nil
}

// AddMessage appends one message to the context window and updates
// runtime counters (spec §4.E add_message).
func (c *AgentCore) AddMessage(msg Message) {
	c.AddMessages(msg)
}

// AddMessages appends msgs to the context window in order (spec §4.E
// add_messages), applying the Anthropic-only prompt-cache marking to the
// most recent user messages.
func (c *AgentCore) AddMessages(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.AddMessages(context.Background(), msgs...)
	c.state.MessageCount += len(msgs)
	for _, m := range msgs {
		if m.IsToolCall() {
			c.state.ToolCallCount++
		}
	}
	if isAnthropicModel(c.config.Model) {
		c.window.MarkCacheable(RoleUser, cachedUserMessages)
	}
}

// isAnthropicModel reports whether the model string names an Anthropic
// (Claude) model (spec §4.E "Anthropic-only" caching strategy).
func isAnthropicModel(model string) bool {
	for _, prefix := range []string{"claude", "anthropic"} {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Run sends the current context window's messages as a single completion
// request to the configured provider, appends the assistant reply to the
// window, and returns the aggregate result (spec §4.E run — the single-
// request half of what AgentLoop repeatedly drives).
func (c *AgentCore) Run(ctx context.Context, hooks StreamHooks) (AgentResult, error) {
	c.mu.Lock()
	if !c.state.HasInitialized {
		c.mu.Unlock()
		return AgentResult{}, fmt.Errorf("agent core %q: run called before initialize", c.config.ID)
	}
	msgs := c.window.GetMessages()
	provider := c.config.Model
	var defs []ToolDefinition
	if c.tools != nil {
		defs = c.tools.AllDefinitions()
	}
	c.mu.Unlock()

	if hooks == nil {
		hooks = NopStreamHooks{}
	}
	hooks.OnStreamStart()

	req := ChatRequest{Messages: toChatMessages(msgs)}
	resp := c.client.SendCompletionRequest(ctx, provider, req, defs)
	if !resp.Ok() {
		c.mu.Lock()
		c.state.ErrorCount++
		c.state.LastError = resp.Err.Error()
		c.mu.Unlock()
		// spec §4.F step 4 / §7: a failed turn still appears as an assistant
		// message describing the error, so the next turn's context reflects
		// what happened instead of silently skipping it.
		c.AddMessage(resp.ToParams())
		hooks.OnStreamEnd(StreamEvent{Type: EventStreamError, Name: c.config.ID, Content: resp.Err.Error()})
		return AgentResult{}, resp.Err
	}

	c.mu.Lock()
	c.state.ActualUsageTokens += resp.GetUsage().InputTokens + resp.GetUsage().OutputTokens
	c.mu.Unlock()
	c.AddMessage(Message{
		Role:      RoleAssistant,
		Content:   TextContent(resp.GetText()),
		CreatedAt: time.Now().Unix(),
	})
	hooks.OnStreamEnd(StreamEvent{
		Type:    EventAgentDone,
		Name:    c.config.ID,
		Content: resp.GetText(),
		Usage:   resp.GetUsage(),
		Metadata: map[string]any{
			"accumulated": resp.GetText(),
		},
	})
	return AgentResult{Output: resp.GetText(), Usage: resp.GetUsage()}, nil
}

// RunStreaming behaves like Run but drives the completion incrementally,
// invoking hooks.OnTextChunk as each delta arrives instead of only at turn
// end (spec §4.D per-turn algorithm, steps 1-2). Like Run, it does not
// execute requested tool calls itself; it appends the assistant message
// (accumulated text plus tool-use blocks) and, unlike Run, returns the tool
// calls for the caller — AgentLoop, which owns the Tool Dispatcher — to dispatch and
// report through hooks.OnToolStart/OnToolEnd (spec §4.D step 4).
func (c *AgentCore) RunStreaming(ctx context.Context, hooks StreamHooks) (AgentResult, []ToolCall, error) {
	if hooks == nil {
		hooks = NopStreamHooks{}
	}
	c.mu.Lock()
	if !c.state.HasInitialized {
		c.mu.Unlock()
		return AgentResult{}, nil, fmt.Errorf("agent core %q: run called before initialize", c.config.ID)
	}
	msgs := c.window.GetMessages()
	provider := c.config.Model
	c.mu.Unlock()

	hooks.OnStreamStart()

	req := ChatRequest{Messages: toChatMessages(msgs)}
	providerCh := make(chan StreamEvent, 16)
	done := make(chan CompletionResponse, 1)
	go func() {
		done <- c.client.SendStreamingCompletionRequest(ctx, provider, req, providerCh)
	}()

	// Provider event loop (spec §4.D step 2): the teacher's Provider.ChatStream
	// only ever emits EventTextDelta mid-stream (tool-call deltas are
	// accumulated internally by the provider and surfaced only in the final
	// ChatResponse — no provider in this tree exposes incremental
	// content_block_start/input_json_delta events for tool use), so this
	// loop's only live case is the text-delta/on_text_chunk pair; every
	// other provider-event kind the spec enumerates (message_start, ping,
	// thinking_delta, content_block_stop, message_delta) has no wire
	// representation to parse here and is a no-op by construction.
	var textBuf strings.Builder
	for ev := range providerCh {
		if ev.Type != EventTextDelta {
			continue
		}
		if replacement := hooks.OnTextChunk(ev.Content); replacement != nil {
			textBuf.WriteString(*replacement)
		}
	}
	resp := <-done

	if !resp.Ok() {
		c.mu.Lock()
		c.state.ErrorCount++
		c.state.LastError = resp.Err.Error()
		c.mu.Unlock()
		c.AddMessage(resp.ToParams())
		hooks.OnStreamEnd(StreamEvent{Type: EventStreamError, Name: c.config.ID, Content: resp.Err.Error()})
		return AgentResult{}, nil, resp.Err
	}

	c.mu.Lock()
	c.state.ActualUsageTokens += resp.GetUsage().InputTokens + resp.GetUsage().OutputTokens
	c.mu.Unlock()

	// A well-behaved provider's text deltas sum to its final response
	// content, so textBuf should already hold it; a provider that streams
	// no deltas at all (it only fills in the final ChatResponse) still
	// needs its text reported, so fall back to the response content rather
	// than silently losing it.
	text := textBuf.String()
	if text == "" {
		text = resp.GetText()
	}
	toolCalls := resp.GetToolCalls()

	var blocks []Block
	if text != "" {
		blocks = append(blocks, TextBlock(text))
	}
	for _, tc := range toolCalls {
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Name, tc.Args))
	}
	msg := Message{Role: RoleAssistant, CreatedAt: time.Now().Unix()}
	if len(blocks) > 0 {
		msg.Content = Content{Blocks: blocks}
	} else {
		msg.Content = TextContent(text)
	}
	c.AddMessage(msg)

	// spec §4.D step 3: no tool uses — this turn is terminal.
	if len(toolCalls) == 0 {
		hooks.OnStreamEnd(StreamEvent{
			Type:     EventAgentDone,
			Name:     c.config.ID,
			Content:  text,
			Usage:    resp.GetUsage(),
			Metadata: map[string]any{"accumulated": text},
		})
		return AgentResult{Output: text, Usage: resp.GetUsage()}, nil, nil
	}

	// spec §4.D step 4: tool uses — notify per call, leave dispatch to the caller.
	for _, tc := range toolCalls {
		hooks.OnToolStart(tc.ID, tc.Name, tc.Args)
	}
	return AgentResult{Output: text, Usage: resp.GetUsage()}, toolCalls, nil
}

// toChatMessages renders spec Messages as the wire-level ChatMessage slice
// a Provider expects, folding structured Content into the closest plain-
// text/tool-call representation the teacher's Provider interface supports.
func toChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{Role: string(m.Role), Content: m.Content.PlainText()}
		for _, tc := range m.Content.ToolCalls() {
			cm.ToolCalls = append(cm.ToolCalls, ToolCall{ID: tc.ToolUseID, Name: tc.ToolName, Args: tc.ToolInput})
		}
		out = append(out, cm)
	}
	return out
}

// ResetState clears the context window and zeroes runtime counters (spec
// §4.E reset_state), preserving HasInitialized/system prompt wiring.
func (c *AgentCore) ResetState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.ClearMessages()
	initialized := c.state.HasInitialized
	c.state = AgentState{HasInitialized: initialized}
}

// Snapshot returns a copy of the agent's runtime statistics (spec §4.E
// snapshot).
func (c *AgentCore) Snapshot() AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BuildContextForNextAgent delegates to the context window (spec §4.E,
// used by AgentManager.handleTransfer).
func (c *AgentCore) BuildContextForNextAgent(maxMessages int) string {
	return c.window.BuildContextForNextAgent(maxMessages)
}

// Drain waits up to timeout for any in-flight background work to settle.
// AgentCore has no background persistence goroutines of its own (unlike
// the teacher's agentMemory), so this returns immediately; the method
// exists to satisfy AgentManager.CleanUp's uniform shutdown call.
func (c *AgentCore) Drain(timeout time.Duration) {}
