package conclave

import (
	"context"
	"log/slog"
)

// Agent is a unit of work that takes a task and returns a result.
// Implementations range from single LLM tool-calling agents (LLMAgent)
// to multi-agent coordinators (Network).
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// Description returns a human-readable description of what the agent does.
	// Used by Network to generate tool definitions for the routing LLM.
	Description() string
	// Execute runs the agent on the given task and returns a result.
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// StreamingAgent is an Agent that can also emit StreamEvents as it runs.
// LLMAgent and Network both implement it; executeAgent/forwardSubagentStream
// use the type assertion to forward subagent events in real time.
type StreamingAgent interface {
	Agent
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error)
}

// Context keys recognized by AgentTask.Context for thread/user/chat scoping.
const (
	ContextThreadID = "thread_id"
	ContextUserID   = "user_id"
	ContextChatID   = "chat_id"
)

// AgentTask is the input to an Agent.
type AgentTask struct {
	// Input is the natural language task description.
	Input string
	// Context carries optional metadata (thread ID, user ID, chat ID, etc.).
	Context map[string]any
	// Attachments carries multimodal input (images, audio, files) alongside Input.
	Attachments []Attachment
}

// TaskThreadID returns the conversation thread ID from Context, or "" if absent.
func (t AgentTask) TaskThreadID() string {
	s, _ := t.Context[ContextThreadID].(string)
	return s
}

// TaskChatID returns the chat/conversation-group ID from Context, or "" if absent.
// Used to scope cross-thread recall to a single chat rather than searching globally.
func (t AgentTask) TaskChatID() string {
	s, _ := t.Context[ContextChatID].(string)
	return s
}

// TaskUserID returns the user ID from Context, or "" if absent.
func (t AgentTask) TaskUserID() string {
	s, _ := t.Context[ContextUserID].(string)
	return s
}

// WithUserID returns a copy of t with ContextUserID set, leaving the
// original Context map untouched.
func (t AgentTask) WithUserID(userID string) AgentTask {
	ctx := make(map[string]any, len(t.Context)+1)
	for k, v := range t.Context {
		ctx[k] = v
	}
	ctx[ContextUserID] = userID
	t.Context = ctx
	return t
}

// taskCtxKey is the context key for the in-flight AgentTask.
type taskCtxKey struct{}

// WithTaskContext returns a child context carrying task, so tools invoked
// deeper in the call stack (without direct access to the agent's arguments)
// can recover the originating user/thread/chat scoping via TaskFromContext.
func WithTaskContext(ctx context.Context, task AgentTask) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, task)
}

// TaskFromContext retrieves the AgentTask set by WithTaskContext.
// Returns the zero value and false if none is set.
func TaskFromContext(ctx context.Context) (AgentTask, bool) {
	task, ok := ctx.Value(taskCtxKey{}).(AgentTask)
	return task, ok
}

// AgentResult is the output of an Agent.
type AgentResult struct {
	// Output is the agent's final response text.
	Output string
	// Thinking carries the model's reasoning trace, when the provider exposes one.
	Thinking string
	// Attachments carries multimodal output produced during execution.
	Attachments []Attachment
	// Steps traces each tool call or agent delegation taken to produce Output.
	Steps []StepTrace
	// Usage tracks aggregate token usage across all LLM calls.
	Usage Usage
}

// PromptFunc computes a system prompt for a request, overriding the
// construction-time prompt. Set via WithDynamicPrompt.
type PromptFunc func(ctx context.Context, task AgentTask) string

// ModelFunc selects a Provider for a request, overriding the construction-time
// provider. Set via WithDynamicModel (and reused for WithCompressModel).
type ModelFunc func(ctx context.Context, task AgentTask) Provider

// ToolsFunc computes the tool set for a request, overriding the
// construction-time tool registry. Set via WithDynamicTools.
type ToolsFunc func(ctx context.Context, task AgentTask) []Tool

// agentConfig holds shared configuration for LLMAgent and Network.
type agentConfig struct {
	tools        []Tool
	agents       []Agent
	prompt       string
	maxIter      int
	processors   []any
	inputHandler InputHandler

	// Conversation/user memory (wired via WithConversationMemory/WithUserMemory).
	store             Store
	embedding         EmbeddingProvider
	memory            MemoryStore
	crossThreadSearch bool
	semanticMinScore  float32
	maxHistory        int
	maxTokens         int
	autoTitle         bool
	semanticTrimming  bool
	trimmingEmbedding EmbeddingProvider
	keepRecent        int

	// Execution extras.
	planExecution  bool
	codeRunner     CodeRunner
	responseSchema *ResponseSchema
	dynamicPrompt  PromptFunc
	dynamicModel   ModelFunc
	dynamicTools   ToolsFunc

	// Observability.
	tracer Tracer
	logger *slog.Logger

	// Attachment/suspend budgets.
	maxAttachmentBytes  int64
	maxSuspendSnapshots int
	maxSuspendBytes     int64

	// Context compression.
	compressModel     ModelFunc
	compressThreshold int

	generationParams *GenerationParams
}

// AgentOption configures an LLMAgent or Network.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent or network.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithPrompt sets the system prompt for the agent or network router.
func WithPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.prompt = s }
}

// WithMaxIter sets the maximum tool-calling iterations.
func WithMaxIter(n int) AgentOption {
	return func(c *agentConfig) { c.maxIter = n }
}

// WithAgents adds subagents to a Network. Ignored by LLMAgent.
func WithAgents(agents ...Agent) AgentOption {
	return func(c *agentConfig) { c.agents = append(c.agents, agents...) }
}

// WithProcessors adds processors to the agent's execution pipeline.
// Each processor must implement at least one of PreProcessor, PostProcessor,
// or PostToolProcessor. Processors run in registration order at their
// respective hook points during Execute().
func WithProcessors(processors ...any) AgentOption {
	return func(c *agentConfig) { c.processors = append(c.processors, processors...) }
}

// WithInputHandler sets the handler for human-in-the-loop interactions.
// When set, the agent gains an "ask_user" tool (LLM-driven) and processors
// can access the handler via InputHandlerFromContext(ctx).
func WithInputHandler(h InputHandler) AgentOption {
	return func(c *agentConfig) { c.inputHandler = h }
}

// WithPlanExecution gives the agent an "execute_plan" tool that runs a
// sequence of tool calls in one step.
func WithPlanExecution() AgentOption {
	return func(c *agentConfig) { c.planExecution = true }
}

// WithCodeExecution gives the agent an "execute_code" tool backed by runner.
func WithCodeExecution(runner CodeRunner) AgentOption {
	return func(c *agentConfig) { c.codeRunner = runner }
}

// WithResponseSchema constrains every LLM response to the given JSON schema.
func WithResponseSchema(schema *ResponseSchema) AgentOption {
	return func(c *agentConfig) { c.responseSchema = schema }
}

// WithDynamicPrompt overrides the system prompt per-request.
func WithDynamicPrompt(fn PromptFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicPrompt = fn }
}

// WithDynamicModel overrides the provider per-request.
func WithDynamicModel(fn ModelFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicModel = fn }
}

// WithDynamicTools overrides the tool set per-request.
func WithDynamicTools(fn ToolsFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicTools = fn }
}

// WithTracer attaches an OTEL-style tracer to the agent's spans.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger attaches a structured logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithMaxAttachmentBytes caps the total size of attachments accumulated
// during a single Execute call (0 = default 50MB).
func WithMaxAttachmentBytes(n int64) AgentOption {
	return func(c *agentConfig) { c.maxAttachmentBytes = n }
}

// WithSuspendBudget bounds how many suspend snapshots (and total bytes) an
// agent may hold across its lifetime before suspend calls start failing.
func WithSuspendBudget(maxSnapshots int, maxBytes int64) AgentOption {
	return func(c *agentConfig) {
		c.maxSuspendSnapshots = maxSnapshots
		c.maxSuspendBytes = maxBytes
	}
}

// WithCompression enables context-window compression: once accumulated
// message content exceeds threshold runes (0 = default 200K), model is used
// to summarize older history instead of truncating it.
func WithCompression(model ModelFunc, threshold int) AgentOption {
	return func(c *agentConfig) {
		c.compressModel = model
		c.compressThreshold = threshold
	}
}

// WithGenerationParams sets default sampling parameters applied to every
// ChatRequest this agent sends, unless a provider-level default takes over.
func WithGenerationParams(p *GenerationParams) AgentOption {
	return func(c *agentConfig) { c.generationParams = p }
}

// ConversationOption configures conversation memory via WithConversationMemory.
type ConversationOption func(*agentConfig)

// MaxHistory caps the number of prior messages loaded from Store per request.
func MaxHistory(n int) ConversationOption {
	return func(c *agentConfig) { c.maxHistory = n }
}

// MaxTokens caps the estimated token budget of loaded history, trimming the
// oldest messages first once MaxHistory's window is assembled.
func MaxTokens(n int) ConversationOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// CrossThreadSearch enables semantic recall of relevant messages from other
// threads (scoped to the current chat when AgentTask.TaskChatID is set),
// using embedding to score candidate messages.
func CrossThreadSearch(embedding EmbeddingProvider) ConversationOption {
	return func(c *agentConfig) {
		c.crossThreadSearch = true
		c.embedding = embedding
	}
}

// AutoTitle generates a thread title from the first message of each new thread.
func AutoTitle() ConversationOption {
	return func(c *agentConfig) { c.autoTitle = true }
}

// TrimOption configures semantic trimming via WithSemanticTrimming.
type TrimOption func(*agentConfig)

// KeepRecent sets how many of the most recent messages are exempt from
// semantic-relevance trimming (default 1).
func KeepRecent(n int) TrimOption {
	return func(c *agentConfig) { c.keepRecent = n }
}

// WithSemanticTrimming enables relevance-based trimming of conversation
// history (instead of oldest-first) once MaxTokens is exceeded: messages are
// scored against the current input's embedding and the lowest-relevance ones
// are dropped first, always keeping the KeepRecent most recent turns.
func WithSemanticTrimming(embedding EmbeddingProvider, opts ...TrimOption) ConversationOption {
	return func(c *agentConfig) {
		c.semanticTrimming = true
		c.trimmingEmbedding = embedding
		for _, opt := range opts {
			opt(c)
		}
	}
}

// WithConversationMemory enables persistent conversation history backed by
// store: prior turns are loaded into context and every turn is persisted
// back in the background.
func WithConversationMemory(store Store, opts ...ConversationOption) AgentOption {
	return func(c *agentConfig) {
		c.store = store
		c.maxHistory = defaultMaxHistory
		for _, opt := range opts {
			opt(c)
		}
	}
}

// WithUserMemory enables durable per-user fact memory: facts are recalled
// into the system prompt via embedding similarity, and new facts are
// auto-extracted from each turn (requires a Provider, wired in at
// construction, to run extraction).
func WithUserMemory(store MemoryStore, embedding EmbeddingProvider) AgentOption {
	return func(c *agentConfig) {
		c.memory = store
		c.embedding = embedding
	}
}

// WithSemanticSearch is the AgentOption form of CrossThreadSearch, for
// agents that want cross-thread semantic recall without otherwise
// customizing WithConversationMemory.
func WithSemanticSearch(embedding EmbeddingProvider) AgentOption {
	return func(c *agentConfig) {
		c.crossThreadSearch = true
		c.embedding = embedding
	}
}

func buildConfig(opts []AgentOption) agentConfig {
	c := agentConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
