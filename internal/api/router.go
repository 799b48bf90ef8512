package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hugh/escanv/internal/api/handlers"
	"github.com/hugh/escanv/internal/api/middleware"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/events"
	"github.com/hugh/escanv/internal/scan"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Router struct {
	chi.Router
	limiter *middleware.RateLimiter
}

type RouterConfig struct {
	DB             *gorm.DB
	Redis          *redis.Client
	Logger         *slog.Logger
	Scans          *scan.Manager
	Publisher      *events.Publisher
	Assistant      *assistant.Assistant
	Conversations  *assistant.Registry
	AllowedOrigins []string // CORS allowed origins
	RateLimitReqs  int      // Rate limit requests per window
	RateLimitSecs  int      // Rate limit window in seconds
}

func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))

	// CORS - restrict to configured origins, or allow all in development
	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		// Default to localhost for development - configure in production
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// A nil publisher must stay a nil interface.
	var snapshots handlers.SnapshotSource
	if cfg.Publisher != nil {
		snapshots = cfg.Publisher
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis, cfg.Scans)
	scanHandler := handlers.NewScanHandler(cfg.Scans, snapshots, originPatterns(allowedOrigins), cfg.Logger)
	chatHandler := handlers.NewChatHandler(cfg.Assistant, cfg.Conversations, cfg.Scans, cfg.Logger)

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Rate limiting covers the API only
	var limiter *middleware.RateLimiter
	if cfg.RateLimitReqs > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimitReqs, time.Duration(cfg.RateLimitSecs)*time.Second, cfg.Logger)
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Handler)
		}

		// Scans endpoints
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", scanHandler.Create)
			r.Get("/{id}", scanHandler.Get)
			r.Post("/{id}/reset", scanHandler.Reset)
			r.Delete("/{id}", scanHandler.Delete)
			r.Get("/{id}/ws", scanHandler.Watch)
		})

		// Conversations endpoints
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", chatHandler.Create)
			r.Get("/{id}", chatHandler.Get)
			r.Post("/{id}/messages", chatHandler.SendMessage)
		})
	})

	return &Router{Router: r, limiter: limiter}
}

// Close stops the rate limiter's background sweep.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Stop()
	}
}

// originPatterns converts CORS origins to the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, o)
	}
	return out
}
