package backfill

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = 5 * time.Second

// Runner executes one claimed job; *Executor implements it.
type Runner interface {
	Run(ctx context.Context, j *Job) error
}

// WorkerPool claims pending jobs and hands them to a Runner. Jobs for
// different sources run in parallel; a job never leaves its worker.
type WorkerPool struct {
	repo   Repository
	runner Runner
	size   int
	poll   time.Duration

	wake chan struct{}
	busy atomic.Int32
}

type PoolOption func(*WorkerPool)

// WithPollInterval sets how often idle workers look for pending jobs
// without being notified.
func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.poll = d
		}
	}
}

func NewWorkerPool(repo Repository, runner Runner, size int, opts ...PoolOption) *WorkerPool {
	wp := &WorkerPool{
		repo:   repo,
		runner: runner,
		size:   max(size, 1),
		poll:   defaultPollInterval,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(wp)
	}
	return wp
}

// Notify wakes one idle worker. It never blocks.
func (wp *WorkerPool) Notify() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Busy reports how many workers are executing a job.
func (wp *WorkerPool) Busy() int { return int(wp.busy.Load()) }

// Run blocks until ctx is done and every worker has returned from its
// current job.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range wp.size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wp.work(ctx, slog.With("worker", i))
		}()
	}
	wg.Wait()
}

func (wp *WorkerPool) work(ctx context.Context, log *slog.Logger) {
	ticker := time.NewTicker(wp.poll)
	defer ticker.Stop()

	for {
		for wp.next(ctx, log) {
		}

		select {
		case <-ctx.Done():
			return
		case <-wp.wake:
		case <-ticker.C:
		}
	}
}

// next claims and executes one job. It reports false when the queue is
// empty or the pool is stopping.
func (wp *WorkerPool) next(ctx context.Context, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}

	j, err := wp.repo.ClaimPending(ctx, uuid.NewString())
	if err != nil {
		if ctx.Err() == nil {
			log.Error("claim pending job", "error", err)
		}
		return false
	}
	if j == nil {
		return false
	}

	// A single notification wakes one worker; pass it on in case more
	// jobs are queued behind this one.
	wp.Notify()

	wp.busy.Add(1)
	defer wp.busy.Add(-1)

	log = log.With("job", j.ID, "run", j.RunID, "type", j.JobType, "source", j.SourceID)
	log.Info("executing job")
	if err := wp.runner.Run(ctx, j); err != nil {
		if ctx.Err() != nil {
			log.Info("job interrupted by shutdown")
			return false
		}
		log.Error("execute job", "error", err)
	}
	return true
}
