//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/database"
	"github.com/hugh/escanv/pkg/config"
	"github.com/hugh/escanv/pkg/util"
	"github.com/joho/godotenv"
)

// Seeds a demo remediation conversation so the chat endpoints have
// something to return on a fresh database.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Server.Env)

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	conversationID := os.Getenv("SEED_CONVERSATION_ID")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	now := time.Now().UTC()
	messages := []assistant.Message{
		{Role: assistant.RoleUser, Content: "MySQL is reachable on port 3306 from the internet. How do I lock it down?", CreatedAt: now},
		{Role: assistant.RoleAssistant, Content: "Bind mysqld to a private interface (bind-address = 127.0.0.1 or your VPC address), then drop inbound 3306 at the firewall and allow only your application hosts.", CreatedAt: now.Add(time.Second)},
	}

	store := database.NewTranscriptStore(db)
	for _, msg := range messages {
		if err := store.SaveMessage(context.Background(), conversationID, msg); err != nil {
			log.Fatalf("failed to save message: %v", err)
		}
	}

	fmt.Printf("Seeded conversation %s with %d messages\n", conversationID, len(messages))
	fmt.Printf("  GET /api/v1/conversations/%s\n", conversationID)
}
