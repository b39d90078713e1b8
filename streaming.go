package conclave

import (
	"encoding/json"
	"strings"
	"sync"
)

// Spec-aligned streaming event kinds (spec §4.D), additive to the older
// text-delta/tool-call-* kinds already declared in stream.go: those remain
// in use by llmagent.go's non-spec streaming path, while StreamHooks and
// the StreamingEngine (streaming_engine.go) use this richer set.
const (
	EventThinking          StreamEventType = "thinking"
	EventThinkingSignature StreamEventType = "thinking_signature"
	EventToolStart         StreamEventType = "tool_start"
	EventToolEnd           StreamEventType = "tool_end"
	EventStepStart         StreamEventType = "step_start"
	EventStepEnd           StreamEventType = "step_end"
	EventAgentDone         StreamEventType = "agent_done"
	EventConversationDone  StreamEventType = "conversation_done"
	// EventStreamError is the Streaming Engine's error event (named to avoid
	// colliding with types.go's EventError, the EventMessage wire variant).
	EventStreamError StreamEventType = "error"
	// EventText supersedes EventTextDelta for spec-driven call sites; both
	// carry an incremental text chunk in StreamEvent.Content.
	EventText StreamEventType = "text"
)

// StreamHooks is the Streaming Engine's hook collaborator (spec §4.D Hooks
// interface, polymorphic over on_stream_start/on_text_chunk/on_tool_start/
// on_tool_end/on_stream_end). Ground truth for the transform-and-replace
// contract is
// _examples/original_source/src/cue/v2/streaming_hooks.py: on_text_chunk
// "Return modified chunk or None to skip" (nil drops the chunk entirely —
// it is neither accumulated nor emitted); on_tool_end's default
// implementation returns its own result unchanged, so nil there means
// "pass the original result through," not "drop it."
type StreamHooks interface {
	// OnStreamStart fires once before the first provider event of a turn.
	OnStreamStart()
	// OnTextChunk fires for every incremental text delta. A nil return
	// drops the chunk: it is not appended to the accumulated text and no
	// text event is emitted. A non-nil return (the chunk itself, or a
	// replacement) is what gets appended and reported.
	OnTextChunk(chunk string) *string
	// OnToolStart fires once per tool use, after the turn's stream ends and
	// before that tool is dispatched.
	OnToolStart(id, name string, args json.RawMessage)
	// OnToolEnd fires with each tool's result content. A nil return passes
	// the result through unchanged; a non-nil return replaces it.
	OnToolEnd(id, name, result string) *string
	// OnStreamEnd fires once the turn's terminal event is known: EventAgentDone
	// when the turn produced a final response, or EventStepEnd when more
	// tool-calling turns follow.
	OnStreamEnd(final StreamEvent)
}

// NopStreamHooks is a StreamHooks that discards everything and passes text
// chunks through unchanged — the same default behavior as the ground
// truth's DefaultStreamingHooks.
type NopStreamHooks struct{}

func (NopStreamHooks) OnStreamStart()                              {}
func (NopStreamHooks) OnTextChunk(chunk string) *string            { return &chunk }
func (NopStreamHooks) OnToolStart(string, string, json.RawMessage) {}
func (NopStreamHooks) OnToolEnd(string, string, string) *string    { return nil }
func (NopStreamHooks) OnStreamEnd(StreamEvent)                     {}

// ChanStreamHooks forwards every hook invocation to a channel as the
// corresponding spec StreamEvent, accumulating the turn's user-visible text
// and token usage along the way (spec §4.D accumulated-content property +
// cache-token accounting). Text chunks and tool results pass through
// unchanged; ChanStreamHooks only observes and forwards, it never edits.
type ChanStreamHooks struct {
	ch chan<- StreamEvent

	mu          sync.Mutex
	usage       Usage
	accumulated strings.Builder
}

// NewChanStreamHooks wraps ch. ch is never closed by ChanStreamHooks; the
// caller owns its lifetime (same discipline as ModelClient's streaming
// methods).
func NewChanStreamHooks(ch chan<- StreamEvent) *ChanStreamHooks {
	return &ChanStreamHooks{ch: ch}
}

func (h *ChanStreamHooks) OnStreamStart() {
	if h.ch != nil {
		h.ch <- StreamEvent{Type: EventStepStart}
	}
}

func (h *ChanStreamHooks) OnTextChunk(chunk string) *string {
	h.mu.Lock()
	h.accumulated.WriteString(chunk)
	acc := h.accumulated.String()
	h.mu.Unlock()
	if h.ch != nil {
		h.ch <- StreamEvent{Type: EventText, Content: chunk, Metadata: map[string]any{"accumulated": acc}}
	}
	return &chunk
}

func (h *ChanStreamHooks) OnToolStart(id, name string, args json.RawMessage) {
	if h.ch != nil {
		h.ch <- StreamEvent{Type: EventToolStart, ID: id, Name: name, Args: args}
	}
}

func (h *ChanStreamHooks) OnToolEnd(id, name, result string) *string {
	h.mu.Lock()
	acc := h.accumulated.String()
	h.mu.Unlock()
	if h.ch != nil {
		h.ch <- StreamEvent{Type: EventToolEnd, ID: id, Name: name, Content: result, Metadata: map[string]any{"accumulated": acc}}
	}
	return nil
}

func (h *ChanStreamHooks) OnStreamEnd(final StreamEvent) {
	if h.ch != nil {
		h.ch <- final
	}
}

// OnUsage accumulates usage fields by addition across the turn (spec §4.D
// cache-token accounting: input_tokens, output_tokens,
// cache_creation_input_tokens, cache_read_input_tokens). Not part of
// StreamHooks — StreamingEngine calls this directly once per turn, since
// usage is reported once per completed response rather than incrementally.
func (h *ChanStreamHooks) OnUsage(u Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage.Add(u)
}

// Usage returns the usage accumulated so far this turn.
func (h *ChanStreamHooks) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// Accumulated returns the user-visible text accumulated so far this turn.
func (h *ChanStreamHooks) Accumulated() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accumulated.String()
}
