package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/internal/scanengine"
	"github.com/hugh/escanv/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(t *testing.T, origins []string) *Router {
	t.Helper()
	return newLimitedRouter(t, origins, 0)
}

func newLimitedRouter(t *testing.T, origins []string, limit int) *Router {
	t.Helper()

	logger := testutil.NewTestLogger()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	manager := scan.NewManager(scanengine.NewClient(scanengine.Config{BaseURL: "http://127.0.0.1:1"}, logger), scan.DefaultConfig(), logger)
	t.Cleanup(manager.Close)

	gw := assistant.NewGateway(assistant.GatewayConfig{URL: "http://127.0.0.1:1"}, logger)
	router := NewRouter(RouterConfig{
		DB:             db,
		Logger:         logger,
		Scans:          manager,
		Assistant:      assistant.New(gw, nil, logger),
		Conversations:  assistant.NewRegistry(nil),
		AllowedOrigins: origins,
		RateLimitReqs:  limit,
		RateLimitSecs:  60,
	})
	t.Cleanup(router.Close)
	return router
}

func TestNewRouter_Routes(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/api/v1/scans/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/v1/scans/unknown/reset", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/scans/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/v1/conversations", http.StatusCreated},
		{http.MethodGet, "/api/v1/conversations/unknown", http.StatusNotFound},
		{http.MethodPut, "/api/v1/scans/unknown", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestNewRouter_CORS(t *testing.T) {
	router := newTestRouter(t, []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scans/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRouter_RateLimitCoversAPIOnly(t *testing.T) {
	router := newLimitedRouter(t, nil, 1)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.10:4000"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNotFound, get("/api/v1/scans/unknown").Code)
	limited := get("/api/v1/scans/unknown")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get("/health").Code)
		assert.Equal(t, http.StatusOK, get("/ready").Code)
	}
}

func TestRouter_CloseWithoutLimiter(t *testing.T) {
	router := newTestRouter(t, nil)
	assert.NotPanics(t, router.Close)
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example.com", "http://localhost:3000", "*.example.org"})
	assert.Equal(t, []string{"app.example.com", "localhost:3000", "*.example.org"}, got)
}
