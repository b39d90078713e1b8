package conclave

import (
	"context"
	"fmt"
)

// CompletionResponse is the Model Client's Ok | Err sum (spec §4.C),
// modeled as a struct with a nil-checked error rather than a Go sum type —
// consistent with ToolBatchOutcome's Results | Transfer modeling in
// dispatcher.go. Exactly one of Response/Err is meaningful at a time.
type CompletionResponse struct {
	Response ChatResponse
	Err      error
}

// Ok reports whether the completion succeeded.
func (c CompletionResponse) Ok() bool { return c.Err == nil }

// GetText returns the response's plain text content, or "" on error.
func (c CompletionResponse) GetText() string {
	if c.Err != nil {
		return ""
	}
	return c.Response.Content
}

// GetToolCalls returns the response's requested tool calls, or nil on error.
func (c CompletionResponse) GetToolCalls() []ToolCall {
	if c.Err != nil {
		return nil
	}
	return c.Response.ToolCalls
}

// GetUsage returns the response's token usage, or the zero value on error.
func (c CompletionResponse) GetUsage() Usage {
	if c.Err != nil {
		return Usage{}
	}
	return c.Response.Usage
}

// GetID returns the provider-assigned response ID, or "" on error.
func (c CompletionResponse) GetID() string {
	if c.Err != nil {
		return ""
	}
	return c.Response.ID
}

// ToParams reformats this response into the assistant Message shape the
// context window re-inserts it as (spec §4.C to_params, ground truth
// _examples/original_source/src/cue/types/completion_response.py
// to_params: AnthropicMessageParam(role="assistant", content=...)). On
// error, the message carries the error description as its content — the
// same "failed turn becomes an assistant message" convention
// AgentCore.Run and AgentLoop.Run apply when appending a failed turn.
// A successful response with no text and no tool calls (the provider
// replied with empty content) renders as the literal "EMPTY" sentinel,
// since a buffer entry can't be truly empty.
func (c CompletionResponse) ToParams() Message {
	if c.Err != nil {
		return Message{Role: RoleAssistant, Content: TextContent(c.Err.Error())}
	}
	var blocks []Block
	if c.Response.Content != "" {
		blocks = append(blocks, TextBlock(c.Response.Content))
	}
	for _, tc := range c.Response.ToolCalls {
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Name, tc.Args))
	}
	if len(blocks) == 0 {
		return Message{Role: RoleAssistant, Content: TextContent("EMPTY")}
	}
	return Message{Role: RoleAssistant, Content: Content{Blocks: blocks}}
}

// ModelClient is the abstract boundary between the Agent Loop and a
// concrete LLM backend (spec §4.C). It wraps the teacher's existing
// Provider interface (provider.go) rather than replacing it: Provider
// already covers non-streaming, tool-augmented, and streaming calls, so
// ModelClient adds only the Ok|Err response shaping and provider-name
// routing the spec's Model Client component calls for.
type ModelClient struct {
	providers map[string]Provider
	fallback  Provider
}

// NewModelClient creates a ModelClient with no providers registered.
// Use Register to wire in concrete backends (Anthropic/OpenAI/Gemini/
// cue-proxy-style providers — see provider/resolve, provider/gemini,
// provider/openaicompat).
func NewModelClient() *ModelClient {
	return &ModelClient{providers: make(map[string]Provider)}
}

// Register associates a provider name with a concrete Provider. The first
// registered provider also becomes the fallback used when a requested name
// is not found.
func (m *ModelClient) Register(name string, p Provider) {
	m.providers[name] = p
	if m.fallback == nil {
		m.fallback = p
	}
}

// resolve returns the named provider, falling back to the default
// registered provider if name is empty or unknown.
func (m *ModelClient) resolve(name string) (Provider, error) {
	if name == "" {
		if m.fallback == nil {
			return nil, fmt.Errorf("model client: no provider registered")
		}
		return m.fallback, nil
	}
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, fmt.Errorf("model client: unknown provider %q", name)
}

// SendCompletionRequest sends a single non-streaming completion request
// to the named provider (spec §4.C send_completion_request). Tool
// definitions are included when non-empty.
func (m *ModelClient) SendCompletionRequest(ctx context.Context, providerName string, req ChatRequest, tools []ToolDefinition) CompletionResponse {
	p, err := m.resolve(providerName)
	if err != nil {
		return CompletionResponse{Err: err}
	}
	var resp ChatResponse
	if len(tools) > 0 {
		resp, err = p.ChatWithTools(ctx, req, tools)
	} else {
		resp, err = p.Chat(ctx, req)
	}
	if err != nil {
		return CompletionResponse{Err: fmt.Errorf("%s: %w", p.Name(), err)}
	}
	return CompletionResponse{Response: resp}
}

// SendStreamingCompletionRequest streams response tokens into ch and
// returns the final completion once the provider signals completion
// (spec §4.C send_streaming_completion_request). ch is never closed by
// this method — the caller owns its lifetime.
func (m *ModelClient) SendStreamingCompletionRequest(ctx context.Context, providerName string, req ChatRequest, ch chan<- StreamEvent) CompletionResponse {
	p, err := m.resolve(providerName)
	if err != nil {
		return CompletionResponse{Err: err}
	}
	resp, err := p.ChatStream(ctx, req, ch)
	if err != nil {
		return CompletionResponse{Err: fmt.Errorf("%s: %w", p.Name(), err)}
	}
	return CompletionResponse{Response: resp}
}
