package assistant

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrTurnInProgress = errors.New("assistant reply still in progress")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Notice messages are shown to the
// user but never sent back to the model.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Notice    bool      `json:"notice,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered message list with at most one assistant turn
// open at a time. The open turn's message, once created, is always last.
type Conversation struct {
	id string

	mu                   sync.Mutex
	messages             []Message
	hasOpenAssistantTurn bool
	turnHasMessage       bool
}

func NewConversation(id string) *Conversation {
	return &Conversation{id: id}
}

func (c *Conversation) ID() string {
	return c.id
}

// StartTurn appends a user message and opens the assistant turn that answers
// it.
func (c *Conversation) StartTurn(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasOpenAssistantTurn {
		return Message{}, ErrTurnInProgress
	}

	msg := Message{Role: RoleUser, Content: text, CreatedAt: time.Now().UTC()}
	c.messages = append(c.messages, msg)
	c.hasOpenAssistantTurn = true
	c.turnHasMessage = false
	return msg, nil
}

// AppendDelta adds a content fragment to the open turn and returns the
// cumulative reply. The first fragment creates the assistant message. Deltas
// outside an open turn are ignored.
func (c *Conversation) AppendDelta(delta string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasOpenAssistantTurn {
		return ""
	}

	if c.turnHasMessage {
		last := &c.messages[len(c.messages)-1]
		last.Content += delta
		return last.Content
	}

	c.messages = append(c.messages, Message{
		Role:      RoleAssistant,
		Content:   delta,
		CreatedAt: time.Now().UTC(),
	})
	c.turnHasMessage = true
	return delta
}

// EndTurn closes the open turn and returns the assistant message it produced,
// if any. A notice, when non-empty, is appended after it.
func (c *Conversation) EndTurn(notice string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reply Message
	ok := c.hasOpenAssistantTurn && c.turnHasMessage
	if ok {
		reply = c.messages[len(c.messages)-1]
	}

	c.hasOpenAssistantTurn = false
	c.turnHasMessage = false

	if notice != "" {
		c.messages = append(c.messages, Message{
			Role:      RoleAssistant,
			Content:   notice,
			Notice:    true,
			CreatedAt: time.Now().UTC(),
		})
	}
	return reply, ok
}

// InProgress reports whether an assistant turn is open.
func (c *Conversation) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasOpenAssistantTurn
}

// Messages returns a copy of every message, notices included.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// History returns the messages that are sent to the model.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Notice {
			continue
		}
		out = append(out, m)
	}
	return out
}
