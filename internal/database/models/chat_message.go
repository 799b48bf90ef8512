package models

// ChatMessage is one persisted conversation turn.
type ChatMessage struct {
	Base
	ConversationID string `gorm:"type:varchar(36);not null;index:idx_chat_messages_conversation_seq,priority:1" json:"conversation_id"`
	Seq            int    `gorm:"not null;index:idx_chat_messages_conversation_seq,priority:2" json:"seq"`
	Role           string `gorm:"type:varchar(16);not null" json:"role"`
	Content        string `gorm:"type:text;not null" json:"content"`
	Notice         bool   `gorm:"not null;default:false" json:"notice"`
}
