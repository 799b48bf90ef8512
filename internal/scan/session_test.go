package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugh/escanv/internal/findings"
	"github.com/hugh/escanv/internal/scanengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		PollInterval:     10 * time.Millisecond,
		InitialPollDelay: 2 * time.Millisecond,
		ProgressFloor:    10,
		ProgressCap:      95,
	}
}

type statusReply struct {
	status scanengine.Status
	err    error
}

// fakeEngine replays scripted replies. The last status reply repeats.
type fakeEngine struct {
	mu          sync.Mutex
	startID     string
	startErr    error
	statuses    []statusReply
	results     scanengine.Results
	resultsErr  error
	statusCalls int
	resultCalls int
	targets     []string

	// statusGate, when set, blocks every Status call until it is closed.
	// It deliberately ignores ctx so late responses can be simulated.
	statusGate chan struct{}
	inStatus   chan struct{}

	// statusDelay slows every Status call; statusSpans records when each
	// call started and returned.
	statusDelay time.Duration
	statusSpans [][2]time.Time

	inflight    int32
	maxInflight int32
}

func (f *fakeEngine) enter() func() {
	n := atomic.AddInt32(&f.inflight, 1)
	for {
		cur := atomic.LoadInt32(&f.maxInflight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInflight, cur, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&f.inflight, -1) }
}

func (f *fakeEngine) StartScan(ctx context.Context, target string) (string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return f.startID, f.startErr
}

func (f *fakeEngine) Status(ctx context.Context, scanID string) (scanengine.Status, error) {
	defer f.enter()()

	began := time.Now()
	if f.statusDelay > 0 {
		time.Sleep(f.statusDelay)
	}

	if f.statusGate != nil {
		if f.inStatus != nil {
			select {
			case f.inStatus <- struct{}{}:
			default:
			}
		}
		<-f.statusGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	f.statusSpans = append(f.statusSpans, [2]time.Time{began, time.Now()})
	reply := f.statuses[idx]
	return reply.status, reply.err
}

func (f *fakeEngine) Results(ctx context.Context, scanID string) (scanengine.Results, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	return f.results, f.resultsErr
}

func (f *fakeEngine) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.resultCalls
}

// recorder collects snapshots delivered to a subscriber.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func waitForState(t *testing.T, sess *Session, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.Snapshot().State == want
	}, 2*time.Second, time.Millisecond, "session never reached %s", want)
	return sess.Snapshot()
}

func TestSession_CompletedScenario(t *testing.T) {
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: "RUNNING", Progress: 40}},
			{status: scanengine.Status{Status: "SUCCESS", Progress: 100}},
		},
		results: scanengine.Results{
			Risks: findings.Records{
				{Title: "Open port 22"},
				{Name: "Open port 3306"},
			},
		},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())
	rec := &recorder{}
	sess.Subscribe(rec.observe)

	require.NoError(t, sess.Start("10.0.0.5"))

	snap := waitForState(t, sess, StateCompleted)
	<-sess.Done()

	assert.Equal(t, "abc123", snap.ScanID)
	assert.Equal(t, "10.0.0.5", snap.Target)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "Scan complete!", snap.StatusMessage)
	require.Len(t, snap.Findings, 2)
	for _, f := range snap.Findings {
		assert.Equal(t, findings.SeverityInfo, f.Severity)
		assert.Equal(t, "10.0.0.5", f.Target)
	}
	assert.NotNil(t, snap.CompletedAt)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"10.0.0.5"}, engine.targets)

	var progress []int
	for _, s := range rec.all() {
		progress = append(progress, s.Progress)
		if s.Progress == 100 {
			assert.Equal(t, StateCompleted, s.State)
		}
		if s.State != StateCompleted {
			assert.Empty(t, s.Findings)
		}
	}
	assert.Contains(t, progress, 10)
	assert.Contains(t, progress, 44)
	assert.Contains(t, progress, 95)
	assert.IsNonDecreasing(t, progress)

	statuses, results := engine.calls()
	assert.Equal(t, 2, statuses)
	assert.Equal(t, 1, results)
}

func TestSession_StatesInOrder(t *testing.T) {
	engine := &fakeEngine{
		startID:  "abc123",
		statuses: []statusReply{{status: scanengine.Status{Status: "COMPLETED", Progress: 100}}},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())
	rec := &recorder{}
	sess.Subscribe(rec.observe)

	require.NoError(t, sess.Start("host"))
	waitForState(t, sess, StateCompleted)

	var states []State
	for _, s := range rec.all() {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	assert.Equal(t, []State{StateStarting, StatePolling, StateCompleted}, states)

	var fetching bool
	for _, s := range rec.all() {
		if s.StatusMessage == "Fetching vulnerability results..." {
			fetching = true
			assert.Equal(t, 95, s.Progress)
		}
	}
	assert.True(t, fetching, "expected a fetching snapshot")
}

func TestSession_Start_InvalidTarget(t *testing.T) {
	engine := &fakeEngine{startID: "x"}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())

	for _, target := range []string{"", "   ", "\t\n"} {
		err := sess.Start(target)
		assert.ErrorIs(t, err, ErrInvalidTarget)
	}
	assert.Equal(t, StateIdle, sess.Snapshot().State)
	assert.Empty(t, engine.targets)
}

func TestSession_Start_WhileActive(t *testing.T) {
	engine := &fakeEngine{
		startID:    "abc123",
		statuses:   []statusReply{{status: scanengine.Status{Status: "RUNNING", Progress: 10}}},
		statusGate: make(chan struct{}),
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())

	require.NoError(t, sess.Start("host"))
	waitForState(t, sess, StatePolling)

	assert.ErrorIs(t, sess.Start("other"), ErrScanInProgress)

	sess.Reset()
	close(engine.statusGate)
	<-sess.Done()
}

func TestSession_PollWaitsForPreviousPoll(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond

	// Each check outlasts the interval; a free-running ticker would fire
	// the next one as soon as the previous returned.
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: "RUNNING", Progress: 10}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 20}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 30}},
			{status: scanengine.Status{Status: scanengine.StatusFailed}},
		},
		statusDelay: 35 * time.Millisecond,
	}
	sess := NewSession("s1", engine, cfg, newTestLogger())

	require.NoError(t, sess.Start("host"))
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("polling never finished")
	}

	engine.mu.Lock()
	spans := append([][2]time.Time(nil), engine.statusSpans...)
	engine.mu.Unlock()

	require.Len(t, spans, 4)
	for i := 1; i < len(spans); i++ {
		gap := spans[i][0].Sub(spans[i-1][1])
		assert.GreaterOrEqual(t, gap, cfg.PollInterval, "poll %d started %s after the previous returned", i, gap)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&engine.maxInflight))
	assert.Equal(t, StateFailed, sess.Snapshot().State)
}

func TestSession_Failures(t *testing.T) {
	tests := []struct {
		name      string
		engine    *fakeEngine
		wantPhase Phase
		wantMsg   string
	}{
		{
			name: "submission rejected with message",
			engine: &fakeEngine{
				startErr: &scanengine.APIError{StatusCode: http.StatusBadRequest, Message: "Invalid target"},
			},
			wantPhase: PhaseSubmission,
			wantMsg:   "Invalid target",
		},
		{
			name:      "submission network error",
			engine:    &fakeEngine{startErr: errors.New("dial tcp: connection refused")},
			wantPhase: PhaseSubmission,
			wantMsg:   "Failed to start scan",
		},
		{
			name: "poll non-2xx",
			engine: &fakeEngine{
				startID:  "abc123",
				statuses: []statusReply{{err: &scanengine.APIError{StatusCode: http.StatusBadGateway, Message: "Failed to check scan status"}}},
			},
			wantPhase: PhasePoll,
			wantMsg:   "Failed to check scan status",
		},
		{
			name: "engine reports failure",
			engine: &fakeEngine{
				startID:  "abc123",
				statuses: []statusReply{{status: scanengine.Status{Status: "FAILED", Progress: 30}}},
			},
			wantPhase: PhasePoll,
			wantMsg:   "Scan failed on the scanning server",
		},
		{
			name: "engine reports error",
			engine: &fakeEngine{
				startID:  "abc123",
				statuses: []statusReply{{status: scanengine.Status{Status: "ERROR"}}},
			},
			wantPhase: PhasePoll,
			wantMsg:   "Scan failed on the scanning server",
		},
		{
			name: "results fetch fails",
			engine: &fakeEngine{
				startID:    "abc123",
				statuses:   []statusReply{{status: scanengine.Status{Status: "SUCCESS", Progress: 100}}},
				resultsErr: errors.New("unexpected EOF"),
			},
			wantPhase: PhaseResults,
			wantMsg:   "Failed to fetch results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := NewSession("s1", tt.engine, testConfig(), newTestLogger())
			require.NoError(t, sess.Start("host"))

			snap := waitForState(t, sess, StateFailed)
			<-sess.Done()

			assert.Equal(t, tt.wantPhase, snap.ErrorPhase)
			assert.Equal(t, tt.wantMsg, snap.Error)
			assert.Empty(t, snap.Findings)
			assert.Less(t, snap.Progress, 100)
			require.NotNil(t, sess.Failure())
			assert.Equal(t, tt.wantPhase, sess.Failure().Phase)

			// Polling has stopped for good.
			calls, _ := tt.engine.calls()
			time.Sleep(30 * time.Millisecond)
			after, _ := tt.engine.calls()
			assert.Equal(t, calls, after)
		})
	}
}

func TestSession_ProgressFrozenAfterFailure(t *testing.T) {
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: "RUNNING", Progress: 60}},
			{status: scanengine.Status{Status: "FAILED", Progress: 80}},
		},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())
	require.NoError(t, sess.Start("host"))

	snap := waitForState(t, sess, StateFailed)
	<-sess.Done()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, snap.Progress, sess.Snapshot().Progress)
}

func TestSession_ProgressNeverDecreases(t *testing.T) {
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: "RUNNING", Progress: 70}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 20}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 500}},
			{status: scanengine.Status{Status: "SUCCESS", Progress: 100}},
		},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())
	rec := &recorder{}
	sess.Subscribe(rec.observe)

	require.NoError(t, sess.Start("host"))
	waitForState(t, sess, StateCompleted)

	var polling []int
	for _, s := range rec.all() {
		if s.State == StatePolling {
			polling = append(polling, s.Progress)
			assert.LessOrEqual(t, s.Progress, 95)
		}
	}
	assert.IsNonDecreasing(t, polling)
}

func TestSession_ResetDiscardsLateResponse(t *testing.T) {
	engine := &fakeEngine{
		startID:    "abc123",
		statuses:   []statusReply{{status: scanengine.Status{Status: "SUCCESS", Progress: 100}}},
		results:    scanengine.Results{Risks: findings.Records{{Title: "late"}}},
		statusGate: make(chan struct{}),
		inStatus:   make(chan struct{}, 1),
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())
	rec := &recorder{}

	require.NoError(t, sess.Start("host"))
	select {
	case <-engine.inStatus:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never issued")
	}

	sess.Reset()
	sess.Subscribe(rec.observe)

	close(engine.statusGate)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run goroutine did not exit after reset")
	}

	snap := sess.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Progress)
	assert.Empty(t, snap.Findings)
	assert.Empty(t, snap.ScanID)
	assert.Empty(t, snap.Target)
	assert.Empty(t, rec.all(), "no snapshot may follow a reset")

	_, results := engine.calls()
	assert.Zero(t, results)
}

func TestSession_ResetIsIdempotent(t *testing.T) {
	sess := NewSession("s1", &fakeEngine{}, testConfig(), newTestLogger())

	sess.Reset()
	sess.Reset()

	snap := sess.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Progress)
	assert.Empty(t, snap.StatusMessage)
}

func TestSession_ResetThenRestart(t *testing.T) {
	engine := &fakeEngine{
		startID:  "abc123",
		statuses: []statusReply{{status: scanengine.Status{Status: "SUCCESS", Progress: 100}}},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())

	require.NoError(t, sess.Start("first"))
	waitForState(t, sess, StateCompleted)

	sess.Reset()
	require.NoError(t, sess.Start("second"))
	snap := waitForState(t, sess, StateCompleted)

	assert.Equal(t, "second", snap.Target)
	assert.Equal(t, []string{"first", "second"}, engine.targets)
}

func TestSession_StartAfterFailureWithoutReset(t *testing.T) {
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: scanengine.StatusFailed}},
			{status: scanengine.Status{Status: "SUCCESS", Progress: 100}},
		},
	}
	sess := NewSession("s1", engine, testConfig(), newTestLogger())

	require.NoError(t, sess.Start("first"))
	failed := waitForState(t, sess, StateFailed)
	require.NotEmpty(t, failed.Error)
	<-sess.Done()

	// A terminal session starts again directly; the old result is cleared.
	require.NoError(t, sess.Start("second"))
	assert.Empty(t, sess.Snapshot().Error)

	snap := waitForState(t, sess, StateCompleted)
	assert.Equal(t, "second", snap.Target)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"first", "second"}, engine.targets)
}

func TestSession_EngineCallsNeverOverlap(t *testing.T) {
	engine := &fakeEngine{
		startID: "abc123",
		statuses: []statusReply{
			{status: scanengine.Status{Status: "RUNNING", Progress: 10}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 30}},
			{status: scanengine.Status{Status: "RUNNING", Progress: 50}},
			{status: scanengine.Status{Status: "SUCCESS", Progress: 100}},
		},
	}
	cfg := testConfig()
	cfg.PollInterval = time.Millisecond
	sess := NewSession("s1", engine, cfg, newTestLogger())

	require.NoError(t, sess.Start("host"))
	waitForState(t, sess, StateCompleted)

	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.maxInflight))
}

func TestSession_Unsubscribe(t *testing.T) {
	sess := NewSession("s1", &fakeEngine{}, testConfig(), newTestLogger())
	rec := &recorder{}
	unsubscribe := sess.Subscribe(rec.observe)

	sess.Reset()
	unsubscribe()
	sess.Reset()

	assert.Len(t, rec.all(), 1)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{ProgressFloor: 20, ProgressCap: 10}.withDefaults()
	assert.Equal(t, 20, cfg.ProgressFloor)
	assert.Equal(t, 95, cfg.ProgressCap)
}
