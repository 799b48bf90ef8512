package dto

import (
	"strings"

	"github.com/hugh/escanv/internal/api/validation"
	"github.com/hugh/escanv/internal/assistant"
)

type SendMessageRequest struct {
	Content string `json:"content"`
	ScanID  string `json:"scan_id,omitempty"`
}

func (r SendMessageRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if strings.TrimSpace(r.Content) == "" {
		errors["content"] = "Message is required"
	} else if len(r.Content) > validation.MaxMessageLength {
		errors["content"] = "Message is too long"
	}
	if r.ScanID != "" && !validation.IsValidUUID(r.ScanID) {
		errors["scan_id"] = "Invalid scan ID"
	}
	return errors
}

type ConversationResponse struct {
	ID         string              `json:"id"`
	Messages   []assistant.Message `json:"messages"`
	InProgress bool                `json:"in_progress"`
}

// DeltaEvent is the payload of one relayed SSE frame.
type DeltaEvent struct {
	Delta string `json:"delta"`
}

// StreamErrorEvent is sent when a reply fails after streaming began.
type StreamErrorEvent struct {
	Error string `json:"error"`
}
