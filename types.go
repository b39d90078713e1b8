package conclave

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// --- Core data model (spec §3) ---

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// BlockKind discriminates the variants of a structured Content block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockImage      BlockKind = "image"
)

// Block is one tagged-union member of structured message content. Exactly
// the fields relevant to Kind are populated; this replaces the
// runtime-polymorphic string|list|dict content observed in the source
// (spec §9 "Runtime-polymorphic message content").
type Block struct {
	Kind BlockKind `json:"kind"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	CacheMarked bool            `json:"cache_marked,omitempty"`

	// BlockToolResult
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`

	// BlockImage
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block { return Block{Kind: BlockText, Text: text} }

// ToolUseBlock builds a tool-call content block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultBlock builds a tool-result content block.
func ToolResultBlock(toolUseID, text string, isError bool) Block {
	return Block{Kind: BlockToolResult, ToolResultForID: toolUseID, ToolResultText: text, IsError: isError}
}

// ImageBlock builds an inline image content block.
func ImageBlock(mimeType, base64Data string) Block {
	return Block{Kind: BlockImage, MimeType: mimeType, Base64: base64Data}
}

// Content is the tagged sum `Text(string) | Blocks([Block])` called for in
// spec §9. A Content with a non-empty Text and no Blocks is the plain-text
// variant; a Content with Blocks set (even if empty) is the structured
// variant. Provider dialects map onto this sum at the Model Client
// boundary (see provider/ adapters).
type Content struct {
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks,omitempty"`
}

// IsStructured reports whether this Content carries blocks rather than
// plain text.
func (c Content) IsStructured() bool { return c.Blocks != nil }

// PlainText renders Content as a single string: the Text variant verbatim,
// or the concatenation of all BlockText blocks for the structured variant.
func (c Content) PlainText() string {
	if !c.IsStructured() {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls extracts every ToolUse block, if any.
func (c Content) ToolCalls() []Block {
	if !c.IsStructured() {
		return nil
	}
	var calls []Block
	for _, b := range c.Blocks {
		if b.Kind == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// Message is one entry in a ContextWindow. Messages carry a monotonic
// insertion order (Seq); MsgID is assigned exactly once by the storage
// collaborator on first persistence (spec §3).
type Message struct {
	MsgID      string   `json:"msg_id,omitempty"`
	Seq        int64    `json:"seq"`
	Role       Role     `json:"role"`
	Name       string   `json:"name,omitempty"` // transfer provenance: source agent id (spec §4.G handoff)
	Content    Content  `json:"content"`
	ToolCallID string   `json:"tool_use_id,omitempty"` // set on tool-result messages
	CreatedAt  int64    `json:"created_at"`
}

// IsToolCall reports whether this message carries at least one tool_use block.
func (m Message) IsToolCall() bool { return len(m.Content.ToolCalls()) > 0 }

// IsToolResult reports whether this message is a tool-result message.
func (m Message) IsToolResult() bool { return m.Role == RoleTool || m.ToolCallID != "" }

// AgentConfig is the immutable-once-registered description of an agent
// (spec §3). Mutated only via an explicit override (model/max_turns swap),
// which reconstructs the Model Client.
type AgentConfig struct {
	ID              string
	IsPrimary       bool
	Model           string
	Tools           map[string]struct{}
	MaxTurns        int
	MaxContextTokens int
	MinTokensToKeep  int
	FeatureFlag      FeatureFlag
	ProviderAPIKeys  map[string]string
	SystemPrompt     string
}

// FeatureFlag is a bit set of service/storage toggles an AgentConfig carries.
type FeatureFlag uint32

const (
	FeatureStorage FeatureFlag = 1 << iota
	FeatureServiceManager
	FeatureMemory
	FeatureScheduler
)

func (f FeatureFlag) Has(bit FeatureFlag) bool { return f&bit != 0 }

// Summary is a compressed representation of a removed prefix of messages.
type Summary struct {
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
	FromSeq   int64  `json:"from_seq"`
	ToSeq     int64  `json:"to_seq"`
}

// AgentState is an agent's per-run runtime record (spec §3).
type AgentState struct {
	HasInitialized bool

	// Token stats per component.
	SystemTokens   int
	ToolTokens     int
	ProjectTokens  int
	MemoryTokens   int
	SummaryTokens  int
	MessageTokens  int
	ActualUsageTokens int

	MessageCount  int
	ToolCallCount int
	ErrorCount    int
	LastError     string
}

// RunMetadata describes one invocation of the Agent Loop (spec §3).
type RunMetadata struct {
	ID          string
	Mode        RunMode
	CurrentTurn int
	MaxTurns    int
	UserMessages []string
}

// RunMode selects how a run is driven.
type RunMode string

const (
	ModeCLI    RunMode = "cli"
	ModeClient RunMode = "client"
	ModeRunner RunMode = "runner"
	ModeTest   RunMode = "test"
)

// AgentTransfer hands control from one agent to another (spec §3).
type AgentTransfer struct {
	ToAgentID       string
	TransferToPrimary bool
	Message         string
	Context         string
	MaxMessages     int
	RunMetadata     RunMetadata
}

// ToolResult is the outcome of one tool invocation (spec §3's `output`
// field is named Content here, matching the teacher's existing tool
// implementations). Exactly one of Content/Error is semantically expected;
// Base64Image and AgentTransfer are independent optional attachments.
type ToolResult struct {
	Content       string `json:"content"`
	Error         string `json:"error,omitempty"`
	Base64Image   string `json:"base64_image,omitempty"`
	AgentTransfer *AgentTransfer `json:"agent_transfer,omitempty"`
}

func (r ToolResult) IsError() bool { return r.Error != "" }

// --- Wire event envelope (spec §6) ---

// EventMessageType discriminates the EventMessage payload variant.
type EventMessageType string

const (
	EventGeneric          EventMessageType = "generic"
	EventUser             EventMessageType = "user"
	EventAssistant        EventMessageType = "assistant"
	EventClientConnect    EventMessageType = "client_connect"
	EventClientDisconnect EventMessageType = "client_disconnect"
	EventClientStatus     EventMessageType = "client_status"
	EventPing             EventMessageType = "ping"
	EventPong             EventMessageType = "pong"
	EventError            EventMessageType = "error"
	EventMessageKind      EventMessageType = "message"
	EventMessageChunk     EventMessageType = "message_chunk"
	EventAgentState       EventMessageType = "agent_state"
	EventAgentControl     EventMessageType = "agent_control"
	EventAgentEvent       EventMessageType = "agent_event"
)

// EventPayload carries the variant-specific fields shared across event
// types, plus a free-form Payload for types that need more.
type EventPayload struct {
	Message            string          `json:"message,omitempty"`
	Sender             string          `json:"sender,omitempty"`
	Recipient          string          `json:"recipient,omitempty"`
	ConversationID     string          `json:"conversation_id,omitempty"`
	WebsocketRequestID string          `json:"websocket_request_id,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	UserID             string          `json:"user_id,omitempty"`
	MsgID              string          `json:"msg_id,omitempty"`

	// agent_control / agent_state specific
	ControlType    string `json:"control_type,omitempty"`
	State          string `json:"state,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
}

// EventMessage is the wire envelope for the WebSocket event bus (spec §3, §6).
type EventMessage struct {
	Type               EventMessageType `json:"type"`
	Payload            EventPayload     `json:"payload"`
	ClientID           string           `json:"client_id,omitempty"`
	WebsocketRequestID string           `json:"websocket_request_id,omitempty"`
	Metadata           json.RawMessage  `json:"metadata,omitempty"`
}

// --- Scheduler (spec §3, §4.I) ---

// TaskType discriminates one-shot from recurring ScheduledTasks.
type TaskType string

const (
	TaskOneTime  TaskType = "one_time"
	TaskRecurring TaskType = "recurring"
)

// CallbackRef identifies a registered callback by key, replacing the
// source's module+name reflection discovery (spec §9 redesign note).
type CallbackRef struct {
	Module string `json:"callback_module"`
	Name   string `json:"callback_name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
}

// ScheduledTask is one entry in the Task REST collaborator (spec §3).
// Invariant: TaskType == TaskRecurring implies Interval != nil.
// Invariant: recurring tasks are never marked IsCompleted.
type ScheduledTask struct {
	ID           string     `json:"id"`
	Instruction  string     `json:"instruction"`
	ScheduleTime time.Time  `json:"schedule_time"` // naive UTC
	TaskType     TaskType   `json:"task_type"`
	Interval     *time.Duration `json:"interval,omitempty"`
	Callback     CallbackRef `json:"metadata"`
	IsCompleted  bool       `json:"is_completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// --- Error taxonomy (spec §7) ---

// ErrorKind is the taxonomy of ErrorReport.
type ErrorKind string

const (
	ErrorSystem   ErrorKind = "system"
	ErrorAgent    ErrorKind = "agent"
	ErrorTool     ErrorKind = "tool"
	ErrorLLMKind  ErrorKind = "llm"
	ErrorTransfer ErrorKind = "transfer"
)

// Severity ranks an ErrorReport.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorReport is the structured record emitted to the monitoring
// collaborator for recoverable failures (spec §7).
type ErrorReport struct {
	Type           ErrorKind
	Message        string
	Severity       Severity
	ConversationID string
	AssistantID    string
	Timestamp      time.Time
	Metadata       map[string]string
}

// --- LLM wire-protocol types (Model Client boundary; spec §4.C) ---
//
// These mirror the provider-facing shapes the teacher's provider adapters
// (provider/gemini, provider/openaicompat) already speak. The Agent and
// Agent Loop operate on Message/Content; ToChatMessages/FromChatResponse
// convert at the Model Client boundary.

type ChatMessage struct {
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Images      []ImageData     `json:"images,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CacheControl bool           `json:"-"` // Anthropic dialect: ephemeral cache marker on last block
}

// ImageData is an inline image attached to a ChatMessage. Unlike Attachment
// (which also carries an optional remote URL and covers any mime type), it is
// always base64-inline and image-only — the shape a vision-capable provider's
// request builder expects.
type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// Attachment represents binary content (image, PDF, audio, etc.) sent
// inline to a multimodal LLM.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
	URL      string `json:"url,omitempty"`
}

// InlineData decodes Base64 into raw bytes, or returns nil if absent/invalid.
func (a Attachment) InlineData() []byte {
	if a.Base64 == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(a.Base64)
	if err != nil {
		return nil
	}
	return data
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"generation_params,omitempty"`
}

// GenerationParams overrides a provider's default sampling settings for a
// single request. Nil fields fall back to the provider's configured defaults.
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	TopK        *int
}

// StepTrace records one tool call or agent delegation taken during an
// agent's execution loop, for inclusion in AgentResult.Steps.
type StepTrace struct {
	Name     string
	Type     string // "tool" or "agent"
	Input    string
	Output   string
	Usage    Usage
	Duration time.Duration
}

// ChatResponse is a provider's completed (non-streaming) reply.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	ID        string     `json:"id,omitempty"`
}

// Usage accumulates token counts. message_delta frames replace these
// fields; the Streaming Engine otherwise adds them across turns (spec §4.D).
type Usage struct {
	InputTokens             int `json:"input_tokens"`
	OutputTokens            int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Add accumulates usage by addition (per spec §4.D cache-token accounting).
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage      { return ChatMessage{Role: "user", Content: text} }
func SystemMessage(text string) ChatMessage    { return ChatMessage{Role: "system", Content: text} }
func AssistantMessage(text string) ChatMessage { return ChatMessage{Role: "assistant", Content: text} }
func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Ambient persistence domain types (kept from the teacher's Store layer) ---

// StoredMessage is one archived thread message as the Store layer persists
// and semantically searches it — distinct from Message (the in-flight
// conversation-turn shape the Context Window Manager and Agent operate on,
// spec §3). Content here is the flat provider-facing string the teacher's
// stores already index; a caller bridging the two renders Message.Content
// (the structured Content sum) down to this string form before archiving.
type StoredMessage struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

type ScoredMessage struct {
	StoredMessage
	Score float32
}

type ScoredChunk struct {
	Chunk
	Score float32
}

type ScoredSkill struct {
	Skill
	Score float32
}

type ScoredFact struct {
	Fact
	Score float32
}

type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type Chunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Content    string     `json:"content"`
	ChunkIndex int        `json:"chunk_index"`
	Embedding  []float32  `json:"-"`
	Metadata   *ChunkMeta `json:"metadata,omitempty"`
}

// ChunkMeta carries source-document provenance for a chunk: where in the
// original document it came from, and what (if any) images accompanied it.
// Populated during ingestion, stored as a JSON column alongside the chunk.
type ChunkMeta struct {
	SourceURL      string  `json:"source_url,omitempty"`
	PageNumber     int     `json:"page_number,omitempty"`
	SectionHeading string  `json:"section_heading,omitempty"`
	Images         []Image `json:"images,omitempty"`
}

// Image is an embedded image extracted from a source document during
// ingestion (e.g. from a DOCX's word/media entries).
type Image struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// FilterOp is a comparison operator used by ChunkFilter.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNeq
	OpGt
	OpLt
	OpIn
)

// ChunkFilter narrows SearchChunks/SearchChunksKeyword to chunks matching
// Field Op Value. Field may name a chunk column ("document_id"), a
// document-level column ("source", "created_at"), or a metadata key
// ("meta.<key>"). Store implementations that don't recognize a Field/Op
// combination ignore it rather than erroring.
type ChunkFilter struct {
	Field string
	Op    FilterOp
	Value any
}

// ByDocument restricts a search to chunks belonging to the given document.
func ByDocument(documentID string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpEq, Value: documentID}
}

// ByExcludeDocument restricts a search to chunks NOT belonging to the given
// document. Used for cross-document retrieval, to avoid a chunk's own
// document showing up as one of its related candidates.
func ByExcludeDocument(documentID string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpNeq, Value: documentID}
}

// ByDocuments restricts a search to chunks belonging to any of the given documents.
func ByDocuments(documentIDs []string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpIn, Value: documentIDs}
}

// BySource restricts a search to chunks whose document has the given source.
func BySource(source string) ChunkFilter {
	return ChunkFilter{Field: "source", Op: OpEq, Value: source}
}

// ByCreatedAfter restricts a search to chunks whose document was created
// after the given Unix timestamp.
func ByCreatedAfter(unixTS int64) ChunkFilter {
	return ChunkFilter{Field: "created_at", Op: OpGt, Value: unixTS}
}

// ByCreatedBefore restricts a search to chunks whose document was created
// before the given Unix timestamp.
func ByCreatedBefore(unixTS int64) ChunkFilter {
	return ChunkFilter{Field: "created_at", Op: OpLt, Value: unixTS}
}

// ByMeta restricts a search to chunks whose metadata key equals value.
func ByMeta(key string, value any) ChunkFilter {
	return ChunkFilter{Field: "meta." + key, Op: OpEq, Value: value}
}

// RelationType classifies the relationship a ChunkEdge represents.
type RelationType string

const (
	RelReferences  RelationType = "references"
	RelElaborates  RelationType = "elaborates"
	RelDependsOn   RelationType = "depends_on"
	RelContradicts RelationType = "contradicts"
	RelPartOf      RelationType = "part_of"
	RelSimilarTo   RelationType = "similar_to"
	RelSequence    RelationType = "sequence"
	RelCausedBy    RelationType = "caused_by"
)

// ChunkEdge is a directed, weighted relationship between two chunks in the
// knowledge graph, either LLM-extracted (see ingest's graph enrichment) or
// structurally derived (e.g. sequence edges between adjacent chunks).
type ChunkEdge struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	TargetID    string       `json:"target_id"`
	Relation    RelationType `json:"relation"`
	Weight      float32      `json:"weight"`
	Description string       `json:"description,omitempty"`
}

// Thread is a persisted conversation; it is the storage-layer counterpart
// of a ContextWindow's backing history.
type Thread struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chat_id"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

type Fact struct {
	ID         string    `json:"id"`
	Fact       string    `json:"fact"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"-"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

type Intent int

const (
	IntentChat Intent = iota
	IntentAction
)

// Skill is a stored instruction package for specializing an agent.
type Skill struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	Tools        []string  `json:"tools,omitempty"`
	Model        string    `json:"model,omitempty"`
	Embedding    []float32 `json:"-"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
}

// ScheduledAction is the Store-layer persisted record that backs the
// reference in-process TaskClient (see scheduler.go). It predates the
// spec's ScheduledTask/CallbackRef shape and is kept as the storage
// representation a local TaskClient marshals ScheduledTask to/from.
type ScheduledAction struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Schedule        string `json:"schedule"`
	ToolCalls       string `json:"tool_calls"`
	SynthesisPrompt string `json:"synthesis_prompt"`
	NextRun         int64  `json:"next_run"`
	Enabled         bool   `json:"enabled"`
	SkillID         string `json:"skill_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

type ScheduledToolCall struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// --- Incoming message from a channel frontend ---

type IncomingMessage struct {
	ID           string
	ChatID       string
	UserID       string
	Text         string
	ReplyToMsgID string
	Document     *FileInfo
	Photos       []FileInfo
	Caption      string
}

type FileInfo struct {
	FileID   string
	FileName string
	MimeType string
	FileSize int64
}
