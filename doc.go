// Package conclave is a multi-agent orchestration runtime: it drives
// conversations between users and LLM backends, mediates tool execution,
// manages a token-budgeted context window, and coordinates hand-offs
// between agents over a typed event bus.
//
// It also provides the modular, interface-driven building blocks a
// single-agent bot needs: LLM providers, embedding providers, vector
// storage, long-term memory, a tool execution system, a document
// ingestion pipeline, and messaging frontend abstractions.
//
// # Quick Start
//
// Create a single agent by composing implementations of the core interfaces:
//
//	agent := conclave.New(
//		conclave.WithProvider(gemini.New(apiKey, model)),
//		conclave.WithEmbedding(gemini.NewEmbedding(apiKey, embeddingModel, dims)),
//		conclave.WithStore(sqlite.New("conclave.db")),
//		conclave.WithFrontend(frontend), // any Frontend implementation
//		conclave.WithSystemPrompt("You are a helpful assistant."),
//	)
//	agent.AddTool(knowledge.New(agent.Store(), agent.Embedding()))
//	agent.Run(ctx)
//
// For multi-agent orchestration, drive an [AgentCore] through an
// [AgentLoop] under an [AgentManager], dispatching tool calls through a
// [Dispatcher] and keeping history in a [ContextWindow]:
//
//	client := conclave.NewModelClient()
//	client.Register("claude", someProvider)
//
//	core := conclave.NewAgentCore(cfg, client, logger)
//	tools := conclave.NewToolRegistry()
//	loop := conclave.NewAgentLoop(cfg.ID, core, conclave.NewDispatcher(tools), logger)
//
//	mgr := conclave.NewAgentManager(logger)
//	mgr.RegisterAgent(cfg, core, loop)
//	mgr.Initialize(ctx, services, tools)
//	result, err := mgr.StartRun(ctx, cfg.ID, "hello", conclave.RunMetadata{MaxTurns: 10}, nil)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Frontend] — messaging platform (Telegram, Discord, CLI, etc.)
//   - [VectorStore] — persistence with vector search
//   - [MemoryStore] — long-term semantic memory
//   - [Tool] — pluggable capability for LLM function calling
//
// # Orchestration Components
//
//   - [ContextWindow] — token-budgeted message buffer with summarization
//     and pairing-invariant-preserving truncation
//   - [Dispatcher] — timeout-bounded, parallel tool execution
//   - [ModelClient] — provider-agnostic completion requests
//   - [AgentCore] — owns one agent's config, state, context, and client
//   - [AgentLoop] — drives one agent through successive turns
//   - [AgentManager] — multi-agent supervisor, state machine, and transfer
//     arbitration
//   - [Services] — WebSocket transport and REST collaborators bundle
//   - [Scheduler] — one-shot and recurring task executor
//
// # Included Implementations
//
// Providers: provider/gemini (Google Gemini), provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/libsql (Turso/remote), store/postgres.
// Frontends: frontend/telegram holds Telegram Markdown-to-HTML rendering and Bot API
// types; it has no Frontend implementation (cmd/bot_example has a Telegram Bot one).
// Tools: tools/knowledge, tools/remember, tools/search, tools/schedule, tools/shell, tools/file, tools/http, tools/data, tools/skill.
//
// See the cmd/oasis and cmd/bot_example directories for reference applications.
package conclave
