package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hugh/escanv/internal/api/dto"
	"github.com/hugh/escanv/internal/api/validation"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/findings"
	"github.com/hugh/escanv/internal/scan"
)

type ChatHandler struct {
	assistant     *assistant.Assistant
	conversations *assistant.Registry
	scans         *scan.Manager
	logger        *slog.Logger
}

func NewChatHandler(a *assistant.Assistant, conversations *assistant.Registry, scans *scan.Manager, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{assistant: a, conversations: conversations, scans: scans, logger: logger}
}

// Create handles POST /api/v1/conversations
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	conv := h.conversations.Create()
	writeJSON(w, http.StatusCreated, dto.ConversationResponse{
		ID:       conv.ID(),
		Messages: []assistant.Message{},
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dto.ConversationResponse{
		ID:         conv.ID(),
		Messages:   conv.Messages(),
		InProgress: conv.InProgress(),
	})
}

// SendMessage handles POST /api/v1/conversations/{id}/messages and relays
// the reply as server-sent events.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req dto.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	var scanFindings []findings.Finding
	if req.ScanID != "" {
		sess, err := h.scans.Get(req.ScanID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Scan not found"})
			return
		}
		scanFindings = sess.Snapshot().Findings
	}

	// Replies can outlast the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	stream := newSSEStream(w)
	_, err := h.assistant.SendMessage(r.Context(), conv, validation.SanitizeString(req.Content), scanFindings, func(delta string) {
		stream.send("", dto.DeltaEvent{Delta: delta})
	})

	switch {
	case err == nil:
		stream.done()
	case errors.Is(err, assistant.ErrStreamAborted):
		h.logger.Debug("client went away mid-reply", "conversation_id", conv.ID())
	case !stream.started:
		status, msg := chatErrorStatus(err)
		writeJSON(w, status, dto.ErrorResponse{Error: msg})
	default:
		stream.send("error", dto.StreamErrorEvent{Error: assistant.Notice(err)})
	}
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		return http.StatusBadRequest, "Message is required"
	case errors.Is(err, assistant.ErrTurnInProgress):
		return http.StatusConflict, "A reply is still streaming"
	case errors.Is(err, assistant.ErrRateLimited):
		return http.StatusTooManyRequests, assistant.NoticeRateLimited
	case errors.Is(err, assistant.ErrQuotaExhausted):
		return http.StatusPaymentRequired, assistant.NoticeQuotaExhausted
	default:
		return http.StatusBadGateway, assistant.NoticeServiceError
	}
}

func (h *ChatHandler) conversation(w http.ResponseWriter, r *http.Request) (*assistant.Conversation, bool) {
	conv, err := h.conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, assistant.ErrConversationNotFound) {
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "Conversation not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load conversation", "error", err)
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to load conversation"})
		return nil, false
	}
	return conv, true
}

// sseStream writes event-stream frames, sending headers with the first one.
type sseStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	return &sseStream{w: w, rc: http.NewResponseController(w)}
}

func (s *sseStream) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseStream) send(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	s.start()
	if event != "" {
		fmt.Fprintf(s.w, "event: %s\n", event)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	_ = s.rc.Flush()
}

func (s *sseStream) done() {
	s.start()
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	_ = s.rc.Flush()
}
