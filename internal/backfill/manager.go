package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
	"github.com/ahmethakanbesel/price-backfill/internal/joblog"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// Manager owns job creation and the operator-driven lifecycle transitions.
type Manager struct {
	jobs    Repository
	sources source.Repository
	logs    *joblog.Logger
	now     func() time.Time
	newID   func() string
	notify  func()
}

type ManagerOption func(*Manager)

// WithNotify registers a hook called after a job becomes pending, typically
// WorkerPool.Notify.
func WithNotify(fn func()) ManagerOption {
	return func(m *Manager) { m.notify = fn }
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(jobs Repository, sources source.Repository, logs *joblog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		jobs:    jobs,
		sources: sources,
		logs:    logs,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create dispatches a transport request to the matching create operation.
func (m *Manager) Create(ctx context.Context, req CreateJobRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	switch req.JobType {
	case TypeDateRange:
		return m.CreateDateRangeJob(ctx, req.SourceID, DateRangeConfig{
			StartDate: req.Config.StartDate,
			EndDate:   req.Config.EndDate,
			Types:     req.Config.Types,
		}, req.CreatedBy)
	default:
		return m.CreateFullHistoricalJob(ctx, req.SourceID, FullHistoricalConfig{
			Days:  req.Config.Days,
			Types: req.Config.Types,
		}, req.CreatedBy)
	}
}

func (m *Manager) CreateFullHistoricalJob(ctx context.Context, sourceID int64, cfg FullHistoricalConfig, userID string) (string, error) {
	if err := validateFullHistorical(cfg); err != nil {
		return "", err
	}
	return m.create(ctx, &Job{
		JobType:  TypeFullHistorical,
		SourceID: sourceID,
		Config:   JobConfig{Days: cfg.Days, Types: cfg.Types},
	}, cfg.Days, userID)
}

func (m *Manager) CreateDateRangeJob(ctx context.Context, sourceID int64, cfg DateRangeConfig, userID string) (string, error) {
	from, to, appErr := validateDateRange(cfg, m.now())
	if appErr != nil {
		return "", appErr
	}
	return m.create(ctx, &Job{
		JobType:  TypeDateRange,
		SourceID: sourceID,
		Config: JobConfig{
			StartDate: from.Format(dateFormat),
			EndDate:   to.Format(dateFormat),
			Types:     cfg.Types,
		},
	}, inclusiveDays(from, to), userID)
}

func (m *Manager) create(ctx context.Context, j *Job, days int, userID string) (string, error) {
	src, err := m.sources.GetSource(ctx, j.SourceID)
	if errors.Is(err, source.ErrNotFound) {
		return "", apperror.Wrap(err, apperror.NotFound, "source %d not found", j.SourceID)
	}
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if !src.Enabled {
		return "", apperror.Newf(apperror.BadRequest, "source %q is disabled", src.Name)
	}

	if err := m.ensureNoActiveJob(ctx, j.SourceID); err != nil {
		return "", err
	}

	// The mapping count only sizes the job; unmapped codes fail per item later.
	n, err := m.sources.CountEnabledMappings(ctx, j.SourceID, j.Config.Types.Filter())
	if err != nil {
		return "", fmt.Errorf("create job: count mappings: %w", err)
	}

	j.ID = m.newID()
	j.Status = StatusPending
	j.TotalItems = n * days
	j.CreatedBy = userID

	if err := m.jobs.Create(ctx, j); err != nil {
		if errors.Is(err, ErrActiveJobExists) {
			// Lost a race with another create; report the winner.
			if cerr := m.ensureNoActiveJob(ctx, j.SourceID); cerr != nil {
				return "", cerr
			}
			return "", apperror.Newf(apperror.Conflict, "source %d already has an active job", j.SourceID)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	m.logs.Info(ctx, j.ID, "job created", map[string]any{
		"jobType":    string(j.JobType),
		"source":     src.Name,
		"totalItems": j.TotalItems,
		"createdBy":  userID,
	})
	m.wake()
	return j.ID, nil
}

func (m *Manager) ensureNoActiveJob(ctx context.Context, sourceID int64) error {
	active, err := m.jobs.FindActiveBySource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("find active job: %w", err)
	}
	if active != nil {
		return apperror.Newf(apperror.Conflict, "source %d already has an active job %s (%s)", sourceID, active.ID, active.Status)
	}
	return nil
}

func (m *Manager) PauseJob(ctx context.Context, id string) error {
	if err := m.transition(ctx, id, []Status{StatusRunning}, StatusPaused); err != nil {
		return err
	}
	m.logs.Info(ctx, id, "job paused", nil)
	return nil
}

// ResumeJob puts a paused job back in the queue; a worker picks it up and
// continues from its checkpoint.
func (m *Manager) ResumeJob(ctx context.Context, id string) error {
	if err := m.transition(ctx, id, []Status{StatusPaused}, StatusPending); err != nil {
		return err
	}
	m.logs.Info(ctx, id, "job resumed", nil)
	m.wake()
	return nil
}

func (m *Manager) CancelJob(ctx context.Context, id string) error {
	if err := m.transition(ctx, id, ActiveStatuses, StatusCancelled); err != nil {
		return err
	}
	m.logs.Info(ctx, id, "job cancelled", nil)
	return nil
}

func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	if err := (GetJobRequest{ID: id}).Validate(); err != nil {
		return err
	}
	ok, err := m.jobs.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if ok {
		slog.Info("deleted job", "job", id)
		return nil
	}
	j, err := m.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return apperror.Newf(apperror.Conflict, "job is %s; only finished jobs can be deleted", j.Status)
}

func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := (GetJobRequest{ID: id}).Validate(); err != nil {
		return nil, err
	}
	j, err := m.jobs.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (m *Manager) ListJobs(ctx context.Context, req ListJobsRequest) ([]Job, int, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}
	jobs, total, err := m.jobs.List(ctx, req.filter())
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (m *Manager) GetJobStats(ctx context.Context) (*Stats, error) {
	stats, err := m.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// JobLogs returns the newest log entries of a job.
func (m *Manager) JobLogs(ctx context.Context, id string, limit int) ([]joblog.Entry, error) {
	if _, err := m.GetJob(ctx, id); err != nil {
		return nil, err
	}
	entries, err := m.logs.List(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("job logs: %w", err)
	}
	return entries, nil
}

// RecoverStaleJobs requeues running jobs whose last heartbeat is older than
// olderThan and returns how many were requeued. Pass 0 at startup, when no
// job can still be running.
func (m *Manager) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := m.jobs.RecoverStale(ctx, m.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
		m.wake()
	}
	return n, nil
}

func (m *Manager) transition(ctx context.Context, id string, from []Status, to Status) error {
	if err := (GetJobRequest{ID: id}).Validate(); err != nil {
		return err
	}
	ok, err := m.jobs.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("set job %s: %w", to, err)
	}
	if ok {
		return nil
	}
	j, err := m.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return apperror.Newf(apperror.Conflict, "job is %s, expected %s", j.Status, joinStatuses(from))
}

func (m *Manager) wake() {
	if m.notify != nil {
		m.notify()
	}
}

func joinStatuses(ss []Status) string {
	out := ""
	for i, s := range ss {
		switch {
		case i == 0:
		case i == len(ss)-1:
			out += " or "
		default:
			out += ", "
		}
		out += string(s)
	}
	return out
}
