package backfill

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrActiveJobExists is returned by Create when the source already has a
	// pending, running or paused job.
	ErrActiveJobExists = errors.New("source already has an active job")
)

type ListFilter struct {
	Status   Status
	SourceID int64
	JobType  JobType
	Limit    int
	Offset   int
}

// Repository is the durable job store. Every mutation is conditional on the
// job's current status and reports whether it applied, so concurrent
// operator actions and executor writes never overwrite each other.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns one page of jobs, newest first, and the total match count.
	List(ctx context.Context, f ListFilter) ([]Job, int, error)
	Stats(ctx context.Context) (*Stats, error)
	// FindActiveBySource returns nil when the source has no active job.
	FindActiveBySource(ctx context.Context, sourceID int64) (*Job, error)

	// TransitionStatus moves the job to `to` if its status is one of from.
	// Entering running stamps started_at once; entering a terminal status
	// stamps completed_at; entering pending releases the run that held it.
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
	// SaveProgress and Finish only apply while runID still holds the job.
	SaveProgress(ctx context.Context, id, runID string, p Progress, allowed []Status) (bool, error)
	Finish(ctx context.Context, id, runID string, o Outcome, from []Status) (bool, error)
	// Delete removes a job in a terminal status together with its logs.
	Delete(ctx context.Context, id string) (bool, error)

	// Claim moves one pending job to running under runID.
	Claim(ctx context.Context, id, runID string) (bool, error)
	// ClaimPending atomically moves the oldest pending job to running under
	// runID. It returns nil when nothing is pending.
	ClaimPending(ctx context.Context, runID string) (*Job, error)
	// RecoverStale requeues running jobs last updated at or before cutoff
	// and releases their runs.
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
}
