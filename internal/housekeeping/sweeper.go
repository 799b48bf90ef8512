// Package housekeeping prunes idle scan sessions on a cron schedule.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/pkg/util"
	"github.com/robfig/cron/v3"
)

// Pruner is the part of scan.Manager the sweeper needs.
type Pruner interface {
	Prune(maxAge time.Duration) int
}

var _ Pruner = (*scan.Manager)(nil)

// Sweeper periodically forgets sessions nobody has touched for MaxAge.
type Sweeper struct {
	cron     *cron.Cron
	schedule string
	pruner   Pruner
	maxAge   time.Duration
	logger   *slog.Logger
}

// New validates schedule and registers the sweep. Call Start to run it.
func New(schedule string, pruner Pruner, maxAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sched, err := util.ParseCronSchedule(schedule)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		cron:     cron.New(),
		schedule: schedule,
		pruner:   pruner,
		maxAge:   maxAge,
		logger:   logger,
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.RunOnce() }))
	return s, nil
}

// RunOnce performs a single sweep and returns how many sessions it removed.
func (s *Sweeper) RunOnce() int {
	removed := s.pruner.Prune(s.maxAge)
	s.logger.Debug("session sweep finished", "removed", removed)
	return removed
}

func (s *Sweeper) Start() {
	s.cron.Start()
	if next, err := util.NextCronTime(s.schedule, time.Now()); err == nil {
		s.logger.Info("session sweeper started", "schedule", s.schedule, "next_run", next)
	}
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("session sweeper did not stop in time")
	}
}
