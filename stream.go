package conclave

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventAgentStart signals a subagent has been delegated to (Network only).
	EventAgentStart StreamEventType = "agent-start"
	// EventAgentFinish signals a subagent has completed (Network only).
	EventAgentFinish StreamEventType = "agent-finish"
	// EventInputReceived is the first event emitted on ExecuteStream, echoing
	// the task input back before any processing begins.
	EventInputReceived StreamEventType = "input-received"
	// EventProcessingStart signals the agent loop has begun processing the input.
	EventProcessingStart StreamEventType = "processing-start"
	// EventRoutingDecision signals a Network has chosen a subagent to delegate to.
	EventRoutingDecision StreamEventType = "routing-decision"
)

// StreamEvent is a typed event emitted during agent streaming.
// Consumers receive these on the channel passed to ExecuteStream.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID identifies the tool call this event belongs to (tool-call-* only).
	ID string `json:"id,omitempty"`
	// Name is the tool or agent name (set for tool/agent events, empty for text-delta).
	Name string `json:"name,omitempty"`
	// Content carries the text delta (text-delta), tool result (tool-call-result),
	// or agent task/output (agent-start/agent-finish).
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage carries token usage for the LLM call that produced this event,
	// when known (tool-call-result, agent-finish).
	Usage Usage `json:"usage,omitempty"`
	// Duration is how long the underlying call took (tool-call-result, agent-finish).
	Duration time.Duration `json:"duration,omitempty"`
	// Metadata carries event-kind-specific extras the typed fields above
	// don't cover — chiefly the Streaming Engine's accumulated-content
	// property (spec §4.D): every text/tool_end event's Metadata["accumulated"]
	// holds the full user-visible text accumulated so far this turn, and
	// agent_done's Metadata["usage"] holds the turn's final cache-token
	// accounting map.
	Metadata map[string]any `json:"metadata,omitempty"`
}
