package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Registry holds live conversations and restores persisted ones on demand.
type Registry struct {
	store TranscriptStore

	mu    sync.RWMutex
	convs map[string]*Conversation
}

func NewRegistry(store TranscriptStore) *Registry {
	return &Registry{store: store, convs: make(map[string]*Conversation)}
}

// Create registers an empty conversation.
func (r *Registry) Create() *Conversation {
	conv := NewConversation(uuid.NewString())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID()] = conv
	return conv
}

// Get returns the live conversation for id, rebuilding it from the
// transcript store if it is not in memory.
func (r *Registry) Get(ctx context.Context, id string) (*Conversation, error) {
	r.mu.RLock()
	conv, ok := r.convs[id]
	r.mu.RUnlock()
	if ok {
		return conv, nil
	}
	if r.store == nil {
		return nil, ErrConversationNotFound
	}

	msgs, err := r.store.LoadMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrConversationNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.convs[id]; ok {
		return conv, nil
	}
	conv = &Conversation{id: id, messages: msgs}
	r.convs[id] = conv
	return conv, nil
}
