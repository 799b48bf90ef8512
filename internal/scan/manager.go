package scan

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager keeps the sessions a server exposes, keyed by id.
type Manager struct {
	engine Engine
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	observers []func(Snapshot)
	onRemove  []func(id string)
}

// NewManager creates an empty session registry.
func NewManager(engine Engine, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Observe attaches fn to every session created afterwards.
func (m *Manager) Observe(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// OnRemove registers fn to run after a session is reset and forgotten by
// Remove, Prune or Close.
func (m *Manager) OnRemove(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Create registers a new idle session.
func (m *Manager) Create() *Session {
	sess := NewSession(uuid.NewString(), m.engine, m.cfg, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.observers {
		sess.Subscribe(fn)
	}
	m.sessions[sess.ID()] = sess
	return sess
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Remove resets the session and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	m.discard(sess)
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Prune forgets sessions that are not running and have not changed for
// maxAge. It returns how many were removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []*Session
	for id, sess := range m.sessions {
		if sess.Snapshot().State.Active() || sess.UpdatedAt().After(cutoff) {
			continue
		}
		stale = append(stale, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range stale {
		m.discard(sess)
	}
	if len(stale) > 0 {
		m.logger.Info("pruned scan sessions", "count", len(stale))
	}
	return len(stale)
}

// Close resets every session so no polling outlives the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		m.discard(sess)
	}
	m.logger.Info("scan sessions closed", "count", len(sessions))
}

// discard resets a session that is no longer registered and notifies the
// removal hooks. The reset snapshot reaches observers first.
func (m *Manager) discard(sess *Session) {
	sess.Reset()

	m.mu.RLock()
	hooks := append([]func(string){}, m.onRemove...)
	m.mu.RUnlock()

	for _, fn := range hooks {
		fn(sess.ID())
	}
}
