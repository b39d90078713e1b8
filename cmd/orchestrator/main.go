// Command orchestrator drives the multi-agent orchestration layer end to
// end: a ModelClient-backed AgentCore under an AgentLoop, supervised by an
// AgentManager, with a Scheduler polling for due tasks alongside it. It is
// the runnable counterpart to the example in doc.go — where cmd/oasis and
// cmd/bot_example drive the single-agent LLMAgent/Network API, this drives
// AgentManager/AgentLoop/AgentCore/ModelClient/Services/Scheduler directly
// from a terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	agentrt "github.com/conclave-run/conclave"
	"github.com/conclave-run/conclave/provider/gemini"
	"github.com/conclave-run/conclave/store/sqlite"
	"github.com/conclave-run/conclave/tools/schedule"
	"github.com/conclave-run/conclave/tools/shell"
)

func main() {
	apiKey := os.Getenv("OASIS_LLM_API_KEY")
	if apiKey == "" {
		log.Fatal("OASIS_LLM_API_KEY is required")
	}
	model := os.Getenv("OASIS_LLM_MODEL")
	if model == "" {
		model = "gemini-2.5-flash-preview-05-20"
	}
	dbPath := os.Getenv("OASIS_DB_PATH")
	if dbPath == "" {
		dbPath = "orchestrator.db"
	}
	workspace := os.Getenv("OASIS_WORKSPACE_PATH")
	if workspace == "" {
		workspace = "."
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store := sqlite.New(dbPath)

	client := agentrt.NewModelClient()
	client.Register("gemini", gemini.New(apiKey, model))

	tools := agentrt.NewToolRegistry()
	tools.Add(shell.New(workspace, 30))
	tools.Add(schedule.New(store, 0))

	cfg := agentrt.AgentConfig{
		ID:               "main",
		IsPrimary:        true,
		Model:            "gemini",
		MaxTurns:         20,
		MaxContextTokens: 100_000,
		SystemPrompt:     "You are Oasis, a helpful personal AI assistant running in a terminal. Respond concisely.",
	}
	core := agentrt.NewAgentCore(cfg, client, logger)
	disp := agentrt.NewDispatcher(tools)
	loop := agentrt.NewAgentLoop(cfg.ID, core, disp, logger).
		WithEnvironment(agentrt.EnvProduction, nil)

	mgr := agentrt.NewAgentManager(logger)
	if _, err := mgr.RegisterAgent(cfg, core, loop); err != nil {
		log.Fatalf("register agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	services := agentrt.NewServices(ctx, agentrt.ServicesConfig{Logger: logger})
	if err := mgr.Initialize(ctx, services, tools); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	defer mgr.CleanUp(context.Background())

	taskClient := agentrt.NewInProcessTaskClient(store)
	callbacks := agentrt.NewCallbackRegistry()
	callbacks.Register("orchestrator", "reminder", func(ctx context.Context, args, kwargs []byte) error {
		logger.Info("scheduled task fired", "args", string(args))
		return nil
	})
	sched := agentrt.NewScheduler(taskClient, callbacks, logger)
	go sched.Run(ctx)

	fmt.Println("orchestrator ready. Type a message and press enter (Ctrl+C to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		callback := func(ev agentrt.StreamEvent) {
			switch ev.Type {
			case agentrt.EventText:
				fmt.Print(ev.Content)
			case agentrt.EventToolStart:
				fmt.Printf("\n[tool] %s\n", ev.Name)
			case agentrt.EventAgentDone:
				fmt.Println()
			case agentrt.EventStreamError:
				fmt.Printf("\n[error] %s\n", ev.Content)
			}
		}

		rm := agentrt.RunMetadata{ID: agentrt.NewID(), Mode: ModeForTerminal(), MaxTurns: cfg.MaxTurns}
		start := time.Now()
		if _, err := mgr.StartRun(ctx, cfg.ID, line, rm, callback); err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			continue
		}
		logger.Debug("run complete", "elapsed", time.Since(start))
	}
}

// ModeForTerminal selects the RunMetadata mode for this entrypoint's
// blocking, one-line-at-a-time REPL — StartRun's own loop, not a second
// background goroutine, is what drives each run to completion.
func ModeForTerminal() agentrt.RunMode { return agentrt.ModeCLI }
