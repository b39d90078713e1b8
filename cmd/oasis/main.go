package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	agentrt "github.com/conclave-run/conclave"
	"github.com/conclave-run/conclave/frontend/telegram"
	"github.com/conclave-run/conclave/provider/gemini"
	"github.com/conclave-run/conclave/store/sqlite"
	"github.com/conclave-run/conclave/tools/knowledge"
)

func main() {
	apiKey := os.Getenv("OASIS_LLM_API_KEY")
	tgToken := os.Getenv("OASIS_TELEGRAM_TOKEN")
	dbPath := os.Getenv("OASIS_DB_PATH")
	if dbPath == "" {
		dbPath = "agentrt.db"
	}

	if apiKey == "" || tgToken == "" {
		log.Fatal("OASIS_LLM_API_KEY and OASIS_TELEGRAM_TOKEN are required")
	}

	emb := gemini.NewEmbedding(apiKey, "gemini-embedding-001", 1536)

	agent := agentrt.New(
		agentrt.WithProvider(gemini.New(apiKey, "gemini-2.5-flash-preview-05-20")),
		agentrt.WithEmbedding(emb),
		agentrt.WithFrontend(telegram.New(tgToken)),
		agentrt.WithStore(sqlite.New(dbPath)),
		agentrt.WithSystemPrompt("You are Oasis, a helpful personal AI assistant. Respond concisely."),
	)

	agent.AddTool(knowledge.New(agent.Store(), emb))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
