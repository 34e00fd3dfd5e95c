// Package scheduler runs gatherers on cron schedules. A job that is still
// running when its next tick fires is skipped, so at most one pass of each
// gatherer is in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"stocksync/internal/gather"
)

// Scheduler wraps a cron instance whose specs carry a leading seconds field.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New creates a Scheduler evaluating specs in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := slog.Default().With("component", "scheduler")
	l := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		log: log,
	}
}

// Add registers g to run on spec. Each run receives ctx, so cancelling it
// aborts a pass in progress.
func (s *Scheduler) Add(ctx context.Context, spec string, g gather.Gatherer) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.log.Info("job started", "job", g.Name())
		if err := g.Run(ctx); err != nil {
			s.log.Error("job failed", "job", g.Name(), "err", err, "elapsed", time.Since(start))
			return
		}
		s.log.Info("job finished", "job", g.Name(), "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("register %s on %q: %w", g.Name(), spec, err)
	}
	return nil
}

// Next returns the earliest upcoming run time, or the zero time if nothing is
// scheduled.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if !e.Next.IsZero() && (next.IsZero() || e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("scheduler started", "next", s.Next())

	<-ctx.Done()
	s.log.Info("scheduler stopping")
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
