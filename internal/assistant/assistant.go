// Package assistant streams remediation advice from a chat completion
// gateway into conversations.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hugh/escanv/internal/findings"
)

// Streamer opens a completion event stream.
type Streamer interface {
	Stream(ctx context.Context, systemPrompt string, history []Message) (io.ReadCloser, error)
}

var _ Streamer = (*Gateway)(nil)

// TranscriptStore persists finished messages.
type TranscriptStore interface {
	SaveMessage(ctx context.Context, conversationID string, msg Message) error
	LoadMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Assistant drives one reply per user message.
type Assistant struct {
	gateway Streamer
	store   TranscriptStore
	logger  *slog.Logger
}

// New creates an assistant. store may be nil.
func New(gateway Streamer, store TranscriptStore, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{gateway: gateway, store: store, logger: logger}
}

// SendMessage appends text to conv as a user turn and streams the reply into
// it, calling onDelta with every fragment as it arrives. Gateway failures
// leave a notice in the conversation and are returned as typed errors.
func (a *Assistant) SendMessage(ctx context.Context, conv *Conversation, text string, scanFindings []findings.Finding, onDelta func(string)) (Message, error) {
	user, err := conv.StartTurn(text)
	if err != nil {
		return Message{}, err
	}
	a.save(ctx, conv.ID(), user)

	body, err := a.gateway.Stream(ctx, BuildSystemPrompt(scanFindings), conv.History())
	if err != nil && ctx.Err() != nil {
		a.logger.Debug("reply stream aborted before headers", "conversation_id", conv.ID(), "error", err)
		a.finish(context.WithoutCancel(ctx), conv, "")
		return Message{}, ErrStreamAborted
	}
	if err != nil {
		a.finish(ctx, conv, Notice(err))
		return Message{}, fmt.Errorf("opening reply stream: %w", err)
	}
	defer body.Close()

	err = Decode(ctx, body, func(delta string) {
		conv.AppendDelta(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	})

	switch {
	case errors.Is(err, ErrStreamAborted):
		a.logger.Debug("reply stream aborted", "conversation_id", conv.ID())
		reply, _ := a.finish(context.WithoutCancel(ctx), conv, "")
		return reply, err
	case err != nil:
		a.logger.Warn("reply stream failed", "conversation_id", conv.ID(), "error", err)
		reply, _ := a.finish(ctx, conv, NoticeServiceError)
		return reply, err
	}

	reply, ok := a.finish(ctx, conv, "")
	if !ok {
		a.logger.Warn("assistant returned an empty reply", "conversation_id", conv.ID())
	}
	return reply, nil
}

// finish closes the open turn and persists what it produced.
func (a *Assistant) finish(ctx context.Context, conv *Conversation, notice string) (Message, bool) {
	reply, ok := conv.EndTurn(notice)
	if ok {
		a.save(ctx, conv.ID(), reply)
	}
	if notice != "" {
		msgs := conv.Messages()
		a.save(ctx, conv.ID(), msgs[len(msgs)-1])
	}
	return reply, ok
}

func (a *Assistant) save(ctx context.Context, conversationID string, msg Message) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveMessage(ctx, conversationID, msg); err != nil {
		a.logger.Warn("failed to save chat message", "conversation_id", conversationID, "role", msg.Role, "error", err)
	}
}
