package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/hugh/escanv/internal/api/dto"
	"github.com/hugh/escanv/internal/events"
	"github.com/hugh/escanv/internal/scan"
)

const wsWriteTimeout = 10 * time.Second

// SnapshotSource serves snapshots of sessions owned by other processes.
type SnapshotSource interface {
	Latest(ctx context.Context, sessionID string) (scan.Snapshot, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan scan.Snapshot, error)
}

var _ SnapshotSource = (*events.Publisher)(nil)

type ScanHandler struct {
	manager        *scan.Manager
	snapshots      SnapshotSource
	originPatterns []string
	logger         *slog.Logger
}

// NewScanHandler creates the scan endpoints. snapshots may be nil.
func NewScanHandler(manager *scan.Manager, snapshots SnapshotSource, originPatterns []string, logger *slog.Logger) *ScanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanHandler{
		manager:        manager,
		snapshots:      snapshots,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Create handles POST /api/v1/scans
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	sess := h.manager.Create()
	if err := sess.Start(req.Target); err != nil {
		_ = h.manager.Remove(sess.ID())
		if errors.Is(err, scan.ErrInvalidTarget) {
			writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid target"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to start scan"})
		return
	}

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// Get handles GET /api/v1/scans/{id}
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.manager.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}

	if h.snapshots != nil {
		snap, err := h.snapshots.Latest(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, events.ErrNoSnapshot) {
			h.logger.Warn("failed to read stored snapshot", "session_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
}

// Reset handles POST /api/v1/scans/{id}/reset
func (h *ScanHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	sess.Reset()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Delete handles DELETE /api/v1/scans/{id}
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Watch handles GET /api/v1/scans/{id}/ws. It sends the current snapshot and
// then every change until the scan reaches a terminal state. Sessions owned
// by another process are followed through the snapshot source.
func (h *ScanHandler) Watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.manager.Get(id)
	if err != nil {
		h.watchPublished(w, r, id)
		return
	}

	ws, ok := h.accept(w, r, id)
	if !ok {
		return
	}
	defer ws.CloseNow()

	// Nothing is read from the client; CloseRead handles control frames.
	ctx := ws.CloseRead(r.Context())

	changed := make(chan struct{}, 1)
	unsubscribe := sess.Subscribe(func(scan.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		snap := sess.Snapshot()
		if done := h.send(ctx, ws, snap); done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (h *ScanHandler) watchPublished(w http.ResponseWriter, r *http.Request, id string) {
	if h.snapshots == nil {
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
		return
	}
	if _, err := h.snapshots.Latest(r.Context(), id); err != nil {
		if !errors.Is(err, events.ErrNoSnapshot) {
			h.logger.Warn("failed to read stored snapshot", "session_id", id, "error", err)
		}
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
		return
	}

	ws, ok := h.accept(w, r, id)
	if !ok {
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())

	updates, err := h.snapshots.Subscribe(ctx, id)
	if err != nil {
		h.logger.Warn("failed to subscribe to snapshots", "session_id", id, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "snapshot feed unavailable")
		return
	}

	// Re-read after subscribing so a change in between is not missed.
	snap, err := h.snapshots.Latest(ctx, id)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "scan removed")
		return
	}
	if done := h.send(ctx, ws, snap); done {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if done := h.send(ctx, ws, snap); done {
				return
			}
		}
	}
}

func (h *ScanHandler) accept(w http.ResponseWriter, r *http.Request, id string) (*websocket.Conn, bool) {
	// The server's write timeout would otherwise cut long scans short.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket", "session_id", id, "error", err)
		return nil, false
	}
	return ws, true
}

// send writes snap and reports whether the stream is finished, either
// because the write failed or the scan is terminal.
func (h *ScanHandler) send(ctx context.Context, ws *websocket.Conn, snap scan.Snapshot) bool {
	if err := h.writeSnapshot(ctx, ws, snap); err != nil {
		h.logger.Debug("websocket write failed", "session_id", snap.ID, "error", err)
		return true
	}
	if snap.State.Terminal() {
		_ = ws.Close(websocket.StatusNormalClosure, "scan "+string(snap.State))
		return true
	}
	return false
}

func (h *ScanHandler) writeSnapshot(ctx context.Context, ws *websocket.Conn, snap scan.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *ScanHandler) session(w http.ResponseWriter, r *http.Request) (*scan.Session, bool) {
	sess, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
		return nil, false
	}
	return sess, true
}
