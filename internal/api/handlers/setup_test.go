package handlers_test

import (
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hugh/escanv/internal/api/handlers"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/database"
	"github.com/hugh/escanv/internal/events"
	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/internal/scanengine"
	"github.com/hugh/escanv/internal/testutil"
	"gorm.io/gorm"
)

var fastPolling = scan.Config{
	PollInterval:     10 * time.Millisecond,
	InitialPollDelay: 2 * time.Millisecond,
	ProgressFloor:    10,
	ProgressCap:      95,
}

type testEnv struct {
	router    *chi.Mux
	engine    *testutil.FakeEngine
	gateway   *testutil.FakeGateway
	manager   *scan.Manager
	registry  *assistant.Registry
	publisher *events.Publisher
	db        *gorm.DB
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := testutil.NewTestLogger()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	_, rdb := testutil.SetupTestRedis(t)

	engine := testutil.NewFakeEngine(t, "abc123",
		testutil.EngineStatus{Status: "RUNNING", Progress: 40},
		testutil.EngineStatus{Status: "SUCCESS", Progress: 100},
	)
	engine.Risks = []map[string]interface{}{
		{"title": "MySQL exposed", "port": "3306", "service": "mysql"},
		{"name": "OpenSSH outdated", "risk_level": "high"},
	}

	gateway := testutil.NewFakeGateway(t,
		`data: {"choices":[{"delta":{"content":"Hel`,
		`lo"}}]}`+"\n",
		testutil.DeltaFrame(" there"),
		"data: [DONE]\n",
	)

	publisher := events.NewPublisher(rdb, time.Minute, logger)
	client := scanengine.NewClient(scanengine.Config{BaseURL: engine.URL, APIKey: "k"}, logger)
	manager := scan.NewManager(client, fastPolling, logger)
	manager.Observe(publisher.Observer())
	manager.OnRemove(publisher.RemovalHook())
	t.Cleanup(manager.Close)

	store := database.NewTranscriptStore(db)
	registry := assistant.NewRegistry(store)
	gw := assistant.NewGateway(assistant.GatewayConfig{URL: gateway.URL, APIKey: "k"}, logger)
	a := assistant.New(gw, store, logger)

	scanHandler := handlers.NewScanHandler(manager, publisher, nil, logger)
	chatHandler := handlers.NewChatHandler(a, registry, manager, logger)
	healthHandler := handlers.NewHealthHandler(db, rdb, manager)

	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Route("/api/v1/scans", func(r chi.Router) {
		r.Post("/", scanHandler.Create)
		r.Get("/{id}", scanHandler.Get)
		r.Post("/{id}/reset", scanHandler.Reset)
		r.Delete("/{id}", scanHandler.Delete)
		r.Get("/{id}/ws", scanHandler.Watch)
	})
	r.Route("/api/v1/conversations", func(r chi.Router) {
		r.Post("/", chatHandler.Create)
		r.Get("/{id}", chatHandler.Get)
		r.Post("/{id}/messages", chatHandler.SendMessage)
	})

	return &testEnv{
		router:    r,
		engine:    engine,
		gateway:   gateway,
		manager:   manager,
		registry:  registry,
		publisher: publisher,
		db:        db,
	}
}
