package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hugh/escanv/internal/scan"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db       *gorm.DB
	redis    *redis.Client
	sessions *scan.Manager
}

// NewHealthHandler creates the health endpoints. redis and sessions may be
// nil.
func NewHealthHandler(db *gorm.DB, redis *redis.Client, sessions *scan.Manager) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, sessions: sessions}
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Services     map[string]string `json:"services"`
	ScanSessions int               `json:"scan_sessions"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	status := "healthy"

	// Check database
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		services["database"] = "unhealthy"
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			services["redis"] = "unhealthy"
			status = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	resp := HealthResponse{Status: status, Services: services}
	if h.sessions != nil {
		resp.ScanSessions = h.sessions.Len()
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Simple readiness check
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
