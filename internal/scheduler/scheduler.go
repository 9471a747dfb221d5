// Package scheduler runs the periodic maintenance of the job queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahmethakanbesel/price-backfill/internal/metrics"
)

// Recoverer requeues jobs whose worker stopped reporting progress;
// *backfill.Manager implements it.
type Recoverer interface {
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Notifier wakes idle workers; *backfill.WorkerPool implements it.
type Notifier interface {
	Notify()
}

// Scheduler periodically requeues stale running jobs and wakes the workers
// so pending jobs are never left waiting for the next poll.
type Scheduler struct {
	cron       *cron.Cron
	recoverer  Recoverer
	notifier   Notifier
	staleAfter time.Duration
	metrics    *metrics.Metrics
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New parses schedule (standard 5-field cron or a descriptor such as
// "@every 1m") and registers the maintenance task.
func New(schedule string, staleAfter time.Duration, recoverer Recoverer, notifier Notifier, opts ...Option) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:       cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		recoverer:  recoverer,
		notifier:   notifier,
		staleAfter: staleAfter,
	}
	for _, o := range opts {
		o(s)
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse recovery schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for a
// running tick to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	slog.Info("scheduler started", "staleAfter", s.staleAfter)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.recoverer.RecoverStaleJobs(ctx, s.staleAfter)
	if err != nil {
		slog.Error("scheduler: recover stale jobs", "error", err)
	}
	s.metrics.Recovered(n)
	if s.notifier != nil {
		s.notifier.Notify()
	}
}
