// Package scan drives one remote scan per Session through
// submit -> poll -> fetch -> normalize and publishes every state change to
// its observers.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hugh/escanv/internal/findings"
	"github.com/hugh/escanv/internal/scanengine"
)

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions happen without a reset.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a run goroutine owns the session.
func (s State) Active() bool {
	return s == StateStarting || s == StatePolling
}

const msgEngineFailed = "Scan failed on the scanning server"

// Engine is the remote scan engine as seen by a session.
type Engine interface {
	StartScan(ctx context.Context, target string) (string, error)
	Status(ctx context.Context, scanID string) (scanengine.Status, error)
	Results(ctx context.Context, scanID string) (scanengine.Results, error)
}

var _ Engine = (*scanengine.Client)(nil)

// Config tunes polling and progress mapping.
type Config struct {
	PollInterval     time.Duration
	InitialPollDelay time.Duration
	ProgressFloor    int
	ProgressCap      int
}

// DefaultConfig returns the production polling schedule.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		InitialPollDelay: 2 * time.Second,
		ProgressFloor:    10,
		ProgressCap:      95,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.InitialPollDelay <= 0 {
		c.InitialPollDelay = def.InitialPollDelay
	}
	if c.ProgressFloor <= 0 || c.ProgressFloor >= 100 {
		c.ProgressFloor = def.ProgressFloor
	}
	if c.ProgressCap <= c.ProgressFloor || c.ProgressCap >= 100 {
		c.ProgressCap = def.ProgressCap
	}
	return c
}

// Snapshot is an immutable view of a session handed to observers.
type Snapshot struct {
	ID            string             `json:"id"`
	Target        string             `json:"target,omitempty"`
	ScanID        string             `json:"scan_id,omitempty"`
	State         State              `json:"state"`
	Progress      int                `json:"progress"`
	StatusMessage string             `json:"status_message"`
	Findings      []findings.Finding `json:"findings"`
	Error         string             `json:"error,omitempty"`
	ErrorPhase    Phase              `json:"error_phase,omitempty"`
	Scan          json.RawMessage    `json:"scan,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// Session is one scan's lifecycle. All mutation happens through its methods
// and its own run goroutine.
type Session struct {
	id     string
	engine Engine
	cfg    Config
	logger *slog.Logger

	// emitMu serializes each mutation with the delivery of its snapshot so
	// observers see changes in order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	target      string
	scanID      string
	progress    int
	fetching    bool
	findings    []findings.Finding
	failure     *Failure
	scanRaw     json.RawMessage
	completedAt time.Time
	updatedAt   time.Time

	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	observers map[int]func(Snapshot)
	nextObs   int
}

// NewSession creates an idle session.
func NewSession(id string, engine Engine, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)

	return &Session{
		id:        id,
		engine:    engine,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		state:     StateIdle,
		updatedAt: time.Now(),
		done:      done,
		observers: make(map[int]func(Snapshot)),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Subscribe registers fn for every subsequent snapshot. fn runs on the
// goroutine that made the change and must not call Start or Reset.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	key := s.nextObs
	s.nextObs++
	s.observers[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, key)
		s.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Failure returns the recorded failure, or nil unless the session failed.
func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// UpdatedAt returns when the session last changed.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Done is closed when the current run goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start submits target to the engine and begins polling in the background.
// Only input errors are returned; engine failures end up in the failed
// state.
func (s *Session) Start(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrInvalidTarget
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return ErrScanInProgress
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.clearLocked()
	s.cancel = cancel
	s.done = done
	s.state = StateStarting
	s.target = target
	s.updatedAt = time.Now()

	snap := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	deliver(observers, snap)
	s.logger.Info("starting scan", "session_id", s.id, "target", target)

	go s.run(ctx, gen, target, done)
	return nil
}

// Reset stops any in-flight polling and returns the session to idle. Engine
// responses that resolve afterwards are discarded. Safe to call in any state.
func (s *Session) Reset() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.gen++
	s.releaseLocked()
	s.clearLocked()
	s.state = StateIdle
	s.updatedAt = time.Now()

	snap := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	deliver(observers, snap)
}

func (s *Session) run(ctx context.Context, gen uint64, target string, done chan struct{}) {
	defer close(done)

	scanID, err := s.engine.StartScan(ctx, target)
	if err != nil {
		s.fail(gen, PhaseSubmission, err, "Failed to start scan")
		return
	}

	if !s.update(gen, func() {
		s.state = StatePolling
		s.scanID = scanID
		s.progress = s.cfg.ProgressFloor
	}) {
		return
	}
	s.logger.Info("scan submitted", "session_id", s.id, "scan_id", scanID)

	// The timer is re-armed only once a poll has finished, so a slow engine
	// never has two status checks outstanding or queued.
	timer := time.NewTimer(s.cfg.InitialPollDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.poll(ctx, gen, target, scanID) {
			return
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// poll runs one status check and reports whether polling is over.
func (s *Session) poll(ctx context.Context, gen uint64, target, scanID string) bool {
	status, err := s.engine.Status(ctx, scanID)
	if err != nil {
		s.fail(gen, PhasePoll, err, "Failed to check scan status")
		return true
	}

	mapped := MapProgress(status.Progress, s.cfg.ProgressFloor, s.cfg.ProgressCap)
	if !s.update(gen, func() {
		if mapped > s.progress {
			s.progress = mapped
		}
	}) {
		return true
	}
	s.logger.Debug("scan status", "session_id", s.id, "status", status.Status, "upstream_progress", status.Progress)

	switch {
	case status.Done():
		s.fetch(ctx, gen, target, scanID)
		return true
	case status.Failed():
		s.fail(gen, PhasePoll, nil, msgEngineFailed)
		return true
	}
	return false
}

func (s *Session) fetch(ctx context.Context, gen uint64, target, scanID string) {
	if !s.update(gen, func() {
		s.fetching = true
		if s.progress < s.cfg.ProgressCap {
			s.progress = s.cfg.ProgressCap
		}
	}) {
		return
	}

	results, err := s.engine.Results(ctx, scanID)
	if err != nil {
		s.fail(gen, PhaseResults, err, "Failed to fetch results")
		return
	}

	list := findings.NormalizeAll(results.Risks, target)
	if s.update(gen, func() {
		s.state = StateCompleted
		s.fetching = false
		s.progress = 100
		s.findings = list
		s.scanRaw = results.Scan
		s.completedAt = time.Now().UTC()
		s.releaseLocked()
	}) {
		s.logger.Info("scan completed", "session_id", s.id, "scan_id", scanID, "findings", len(list))
	}
}

func (s *Session) fail(gen uint64, phase Phase, err error, fallback string) {
	msg := fallback
	var apiErr *scanengine.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	failure := &Failure{Phase: phase, Message: msg, Err: err}

	if s.update(gen, func() {
		s.state = StateFailed
		s.fetching = false
		s.failure = failure
		s.releaseLocked()
	}) {
		s.logger.Warn("scan failed", "session_id", s.id, "phase", phase, "message", msg, "error", err)
	}
}

// update applies fn if gen is still current and delivers the resulting
// snapshot. It reports false when the run has been superseded.
func (s *Session) update(gen uint64, fn func()) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	fn()
	s.updatedAt = time.Now()
	snap := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	deliver(observers, snap)
	return true
}

// releaseLocked cancels the run context.
func (s *Session) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) clearLocked() {
	s.target = ""
	s.scanID = ""
	s.progress = 0
	s.fetching = false
	s.findings = nil
	s.failure = nil
	s.scanRaw = nil
	s.completedAt = time.Time{}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		Target:        s.target,
		ScanID:        s.scanID,
		State:         s.state,
		Progress:      s.progress,
		StatusMessage: statusFor(s.state, s.progress, s.fetching),
		Findings:      make([]findings.Finding, len(s.findings)),
		Scan:          s.scanRaw,
	}
	copy(snap.Findings, s.findings)
	if s.failure != nil {
		snap.Error = s.failure.Message
		snap.ErrorPhase = s.failure.Phase
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

func (s *Session) observersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(s.observers))
	for i := 0; i < s.nextObs; i++ {
		if fn, ok := s.observers[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func deliver(observers []func(Snapshot), snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}
