// Package events fans scan snapshots out through Redis so other processes
// can follow a session.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hugh/escanv/internal/scan"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "escanv:scan:"
	defaultTTL    = 24 * time.Hour
	publishWindow = 5 * time.Second
)

// ErrNoSnapshot is returned by Latest when nothing was stored for a session.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Channel is the pub/sub channel for a session.
func Channel(sessionID string) string {
	return keyPrefix + sessionID
}

func latestKey(sessionID string) string {
	return keyPrefix + sessionID + ":latest"
}

// Publisher stores the latest snapshot of every session and publishes each
// change.
type Publisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewPublisher(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Publisher {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, ttl: ttl, logger: logger}
}

// Publish writes snap as the session's latest value and announces it.
func (p *Publisher) Publish(ctx context.Context, snap scan.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, latestKey(snap.ID), data, p.ttl)
	pipe.Publish(ctx, Channel(snap.ID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// Observer adapts Publish to a session observer. Errors are logged since
// observers cannot fail.
func (p *Publisher) Observer() func(scan.Snapshot) {
	return func(snap scan.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), publishWindow)
		defer cancel()

		if err := p.Publish(ctx, snap); err != nil {
			p.logger.Warn("failed to publish scan snapshot", "session_id", snap.ID, "error", err)
		}
	}
}

// Forget deletes the stored snapshot so a removed session stops resolving.
func (p *Publisher) Forget(ctx context.Context, sessionID string) error {
	if err := p.client.Del(ctx, latestKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// RemovalHook adapts Forget to scan.Manager.OnRemove.
func (p *Publisher) RemovalHook() func(string) {
	return func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), publishWindow)
		defer cancel()

		if err := p.Forget(ctx, sessionID); err != nil {
			p.logger.Warn("failed to forget scan snapshot", "session_id", sessionID, "error", err)
		}
	}
}

// Latest returns the most recently published snapshot for sessionID.
func (p *Publisher) Latest(ctx context.Context, sessionID string) (scan.Snapshot, error) {
	data, err := p.client.Get(ctx, latestKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return scan.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap scan.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return scan.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Subscribe streams published snapshots for sessionID until ctx is done. The
// returned channel is closed when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) (<-chan scan.Snapshot, error) {
	sub := p.client.Subscribe(ctx, Channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	out := make(chan scan.Snapshot)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap scan.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					p.logger.Warn("dropping malformed snapshot", "session_id", sessionID, "error", err)
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
