package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// EngineStatus is one scripted scan-status reply.
type EngineStatus struct {
	Status   string
	Progress float64
}

// FakeEngine is an httptest scan engine that replays scripted status
// replies. The last reply repeats.
type FakeEngine struct {
	*httptest.Server

	mu       sync.Mutex
	ScanID   string
	Statuses []EngineStatus
	Risks    []map[string]interface{}
	// StartStatus, when non-zero, fails start-scan with that code.
	StartStatus int
	Targets     []string
	polls       int
}

// NewFakeEngine starts a fake engine closed at test cleanup.
func NewFakeEngine(t *testing.T, scanID string, statuses ...EngineStatus) *FakeEngine {
	t.Helper()

	f := &FakeEngine{ScanID: scanID, Statuses: statuses}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *FakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Query().Get("action") {
	case "start-scan":
		var body struct {
			Target string `json:"target"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.Targets = append(f.Targets, body.Target)

		if f.StartStatus != 0 {
			w.WriteHeader(f.StartStatus)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid target"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"scan_id": f.ScanID})

	case "scan-status":
		idx := f.polls
		if idx >= len(f.Statuses) {
			idx = len(f.Statuses) - 1
		}
		f.polls++
		st := f.Statuses[idx]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": st.Status, "progress": st.Progress})

	case "scan-results":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"risks": f.Risks,
			"scan":  map[string]string{"id": f.ScanID},
		})

	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown action"})
	}
}

// Polls returns how many status polls have been served.
func (f *FakeEngine) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// Submitted returns the targets received by start-scan.
func (f *FakeEngine) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Targets...)
}

// FakeGateway is an httptest chat completion gateway that streams a fixed
// reply as event-stream frames, or fails with Status.
type FakeGateway struct {
	*httptest.Server

	mu       sync.Mutex
	Chunks   []string
	Status   int
	Requests []json.RawMessage
}

// NewFakeGateway starts a gateway that streams chunks verbatim.
func NewFakeGateway(t *testing.T, chunks ...string) *FakeGateway {
	t.Helper()

	g := &FakeGateway{Chunks: chunks}
	g.Server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.Close)
	return g
}

func (g *FakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	g.mu.Lock()
	g.Requests = append(g.Requests, body)
	status := g.Status
	chunks := append([]string(nil), g.Chunks...)
	g.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"error":"gateway failure"}`, status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		_, _ = io.WriteString(w, c)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Bodies returns the request bodies received so far.
func (g *FakeGateway) Bodies() []json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]json.RawMessage(nil), g.Requests...)
}

// SetStatus makes subsequent requests fail with status.
func (g *FakeGateway) SetStatus(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Status = status
}

// DeltaFrame formats one streamed completion frame carrying content.
func DeltaFrame(content string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"delta": map[string]string{"content": content}},
		},
	})
	return "data: " + string(payload) + "\n"
}
