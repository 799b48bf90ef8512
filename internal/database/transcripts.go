package database

import (
	"context"
	"fmt"

	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/database/models"
	"gorm.io/gorm"
)

// TranscriptStore persists conversation messages with gorm.
type TranscriptStore struct {
	db *gorm.DB
}

var _ assistant.TranscriptStore = (*TranscriptStore)(nil)

func NewTranscriptStore(db *gorm.DB) *TranscriptStore {
	return &TranscriptStore{db: db}
}

// SaveMessage appends msg to the conversation's transcript.
func (s *TranscriptStore) SaveMessage(ctx context.Context, conversationID string, msg assistant.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ChatMessage{}).
			Where("conversation_id = ?", conversationID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("counting messages: %w", err)
		}

		row := models.ChatMessage{
			ConversationID: conversationID,
			Seq:            int(count),
			Role:           string(msg.Role),
			Content:        msg.Content,
			Notice:         msg.Notice,
		}
		if !msg.CreatedAt.IsZero() {
			row.CreatedAt = msg.CreatedAt
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("saving message: %w", err)
		}
		return nil
	})
}

// LoadMessages returns the transcript in the order it was written.
func (s *TranscriptStore) LoadMessages(ctx context.Context, conversationID string) ([]assistant.Message, error) {
	var rows []models.ChatMessage
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	msgs := make([]assistant.Message, len(rows))
	for i, row := range rows {
		msgs[i] = assistant.Message{
			Role:      assistant.Role(row.Role),
			Content:   row.Content,
			Notice:    row.Notice,
			CreatedAt: row.CreatedAt.UTC(),
		}
	}
	return msgs, nil
}
