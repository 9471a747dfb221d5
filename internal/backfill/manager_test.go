package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
)

func assertAppError(t *testing.T, err error, code apperror.Code, msg string) {
	t.Helper()
	ae, ok := apperror.As(err)
	require.True(t, ok, "expected *AppError, got %v", err)
	assert.Equal(t, code, ae.Code())
	if msg != "" {
		assert.Contains(t, ae.Message(), msg)
	}
}

func TestCreateFullHistoricalJob(t *testing.T) {
	h := newHarness(t, []string{"A", "B", "C"})
	id, err := h.mgr.CreateFullHistoricalJob(context.Background(), 1, FullHistoricalConfig{Days: 30, Types: TypeCodes("A", "C")}, "alice")
	require.NoError(t, err)

	j := h.repo.get(id)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, TypeFullHistorical, j.JobType)
	assert.Equal(t, 60, j.TotalItems)
	assert.Equal(t, "alice", j.CreatedBy)
	assert.Equal(t, []string{"A", "C"}, j.Config.Types.Codes)
	assert.Zero(t, j.ItemsProcessed)
	assert.Nil(t, j.Checkpoint)
}

func TestCreateFullHistoricalJob_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  FullHistoricalConfig
		msg  string
	}{
		{"zero days", FullHistoricalConfig{Days: 0, Types: AllTypes()}, "days must be between 1 and 30"},
		{"too many days", FullHistoricalConfig{Days: 31, Types: AllTypes()}, "days must be between 1 and 30"},
		{"no types", FullHistoricalConfig{Days: 5}, "non-empty list of codes"},
		{"blank code", FullHistoricalConfig{Days: 5, Types: TypeCodes("A", " ")}, "type codes must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"A"})
			_, err := h.mgr.CreateFullHistoricalJob(context.Background(), 1, tt.cfg, "tester")
			assertAppError(t, err, apperror.BadRequest, tt.msg)
		})
	}
}

func TestCreateDateRangeJob_Validation(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		msg      string
	}{
		{"span too long", "2024-01-01", "2024-02-15", "span must not exceed 30 days"},
		{"equal dates", "2024-01-05", "2024-01-05", "startDate must be before endDate"},
		{"reversed", "2024-01-10", "2024-01-05", "startDate must be before endDate"},
		{"future end", "2024-03-01", "2024-03-11", "endDate must not be in the future"},
		{"bad start", "01/01/2024", "2024-01-05", "startDate must be a date in YYYY-MM-DD format"},
		{"bad end", "2024-01-01", "2024-1-5", "endDate must be a date in YYYY-MM-DD format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"A"})
			_, err := h.mgr.CreateDateRangeJob(context.Background(), 1, DateRangeConfig{StartDate: tt.from, EndDate: tt.to, Types: AllTypes()}, "tester")
			assertAppError(t, err, apperror.BadRequest, tt.msg)
			assert.Empty(t, h.repo.jobs, "nothing is stored for an invalid request")
		})
	}
}

func TestCreateDateRangeJob_Bounds(t *testing.T) {
	h := newHarness(t, []string{"A", "B"})
	// 30 days apart ending today is the widest accepted window.
	id := h.createRange(t, "2024-02-09", "2024-03-10")

	j := h.repo.get(id)
	assert.Equal(t, TypeDateRange, j.JobType)
	assert.Equal(t, "2024-02-09", j.Config.StartDate)
	assert.Equal(t, "2024-03-10", j.Config.EndDate)
	assert.Equal(t, 62, j.TotalItems)
}

func TestCreate_Dispatch(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, CreateJobRequest{JobType: "weekly", SourceID: 1})
	assertAppError(t, err, apperror.BadRequest, "jobType")

	_, err = h.mgr.Create(ctx, CreateJobRequest{JobType: TypeDateRange})
	assertAppError(t, err, apperror.BadRequest, "sourceId is required")

	id, err := h.mgr.Create(ctx, CreateJobRequest{
		JobType:   TypeDateRange,
		SourceID:  1,
		Config:    JobConfig{StartDate: "2024-02-01", EndDate: "2024-02-03", Types: AllTypes()},
		CreatedBy: "api",
	})
	require.NoError(t, err)
	j := h.repo.get(id)
	assert.Equal(t, TypeDateRange, j.JobType)
	assert.Equal(t, 3, j.TotalItems)
	assert.Zero(t, j.Config.Days)
}

func TestCreate_SourceChecks(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()

	_, err := h.mgr.CreateFullHistoricalJob(ctx, 42, FullHistoricalConfig{Days: 3, Types: AllTypes()}, "tester")
	assertAppError(t, err, apperror.NotFound, "source 42 not found")

	h.sources.source.Enabled = false
	_, err = h.mgr.CreateFullHistoricalJob(ctx, 1, FullHistoricalConfig{Days: 3, Types: AllTypes()}, "tester")
	assertAppError(t, err, apperror.BadRequest, "disabled")
}

func TestCreate_OneActiveJobPerSource(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()
	first := h.createFull(t, 3, AllTypes())

	_, err := h.mgr.CreateFullHistoricalJob(ctx, 1, FullHistoricalConfig{Days: 3, Types: AllTypes()}, "tester")
	assertAppError(t, err, apperror.Conflict, first)

	require.NoError(t, h.mgr.CancelJob(ctx, first))
	_, err = h.mgr.CreateFullHistoricalJob(ctx, 1, FullHistoricalConfig{Days: 3, Types: AllTypes()}, "tester")
	assert.NoError(t, err, "a terminal job does not block new ones")
}

func TestLifecycleTransitions(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()
	id := h.createFull(t, 3, AllTypes())

	err := h.mgr.PauseJob(ctx, id)
	assertAppError(t, err, apperror.Conflict, "job is pending, expected running")

	err = h.mgr.ResumeJob(ctx, id)
	assertAppError(t, err, apperror.Conflict, "job is pending, expected paused")

	ok, err := h.repo.Claim(ctx, id, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.mgr.PauseJob(ctx, id))
	assert.Equal(t, StatusPaused, h.repo.get(id).Status)
	assert.Equal(t, "run-1", h.repo.get(id).RunID, "pausing keeps the claim for the checkpoint write")

	require.NoError(t, h.mgr.ResumeJob(ctx, id))
	assert.Equal(t, StatusPending, h.repo.get(id).Status)
	assert.Empty(t, h.repo.get(id).RunID, "resuming releases the paused run")

	require.NoError(t, h.mgr.CancelJob(ctx, id))
	j := h.repo.get(id)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.NotNil(t, j.CompletedAt)

	err = h.mgr.CancelJob(ctx, id)
	assertAppError(t, err, apperror.Conflict, "job is cancelled, expected pending, running or paused")
}

func TestCancelPausedJob(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()
	id := h.createFull(t, 3, AllTypes())
	h.repo.setStatus(id, StatusPaused)

	require.NoError(t, h.mgr.CancelJob(ctx, id))
	assert.Equal(t, StatusCancelled, h.repo.get(id).Status)
}

func TestLifecycle_UnknownAndInvalidIDs(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()

	err := h.mgr.PauseJob(ctx, "not-a-uuid")
	assertAppError(t, err, apperror.BadRequest, "invalid job id")

	_, err = h.mgr.GetJob(ctx, "6f1c1f9e-8a8e-4d38-9a9f-0d7b6c9f1a11")
	assertAppError(t, err, apperror.NotFound, "job not found")

	err = h.mgr.CancelJob(ctx, "6f1c1f9e-8a8e-4d38-9a9f-0d7b6c9f1a11")
	assertAppError(t, err, apperror.NotFound, "job not found")
}

func TestDeleteJob(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()
	id := h.createFull(t, 3, AllTypes())

	err := h.mgr.DeleteJob(ctx, id)
	assertAppError(t, err, apperror.Conflict, "job is pending; only finished jobs can be deleted")

	require.NoError(t, h.exec.Execute(ctx, id))
	require.NoError(t, h.mgr.DeleteJob(ctx, id))

	_, err = h.mgr.GetJob(ctx, id)
	assertAppError(t, err, apperror.NotFound, "")
}

func TestListJobsAndStats(t *testing.T) {
	h := newHarness(t, []string{"A"})
	ctx := context.Background()

	var ids []string
	for range 3 {
		id := h.createFull(t, 2, AllTypes())
		require.NoError(t, h.exec.Execute(ctx, id))
		ids = append(ids, id)
	}
	h.fetch.failCodes["A"] = "empty payload"
	failed := h.createFull(t, 2, AllTypes())
	require.NoError(t, h.exec.Execute(ctx, failed))
	pending := h.createFull(t, 2, AllTypes())

	jobs, total, err := h.mgr.ListJobs(ctx, ListJobsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 5)
	assert.Equal(t, pending, jobs[0].ID, "newest first")

	jobs, total, err = h.mgr.ListJobs(ctx, ListJobsRequest{Status: StatusCompleted, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[1], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[1].ID)

	_, _, err = h.mgr.ListJobs(ctx, ListJobsRequest{Limit: MaxListLimit + 1})
	assertAppError(t, err, apperror.BadRequest, "limit")
	_, _, err = h.mgr.ListJobs(ctx, ListJobsRequest{Status: "stuck"})
	assertAppError(t, err, apperror.BadRequest, "unknown status")

	stats, err := h.mgr.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalJobs)
	assert.Equal(t, 3, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, int64(6), stats.TotalRecordsInserted)
}

func TestRecoverStaleJobs(t *testing.T) {
	h := newHarness(t, []string{"A"})
	var woken int
	h.mgr = NewManager(h.repo, h.sources, h.mgr.logs,
		WithManagerClock(func() time.Time { return testNow }),
		WithNotify(func() { woken++ }),
	)
	ctx := context.Background()

	id := h.createFull(t, 3, AllTypes())
	assert.Equal(t, 1, woken, "creating a job wakes the workers")

	j := h.repo.get(id)
	j.Status = StatusRunning
	j.RunID = "interrupted-run"
	j.UpdatedAt = testNow.Add(-10 * time.Minute)
	h.repo.put(j)

	n, err := h.mgr.RecoverStaleJobs(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StatusRunning, h.repo.get(id).Status, "a recent heartbeat is not stale")
	assert.Equal(t, 1, woken)

	n, err = h.mgr.RecoverStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, StatusPending, h.repo.get(id).Status)
	assert.Empty(t, h.repo.get(id).RunID, "the interrupted run loses its claim")
	assert.Equal(t, 2, woken)
}

func TestJobLogs_UnknownJob(t *testing.T) {
	h := newHarness(t, []string{"A"})
	_, err := h.mgr.JobLogs(context.Background(), "6f1c1f9e-8a8e-4d38-9a9f-0d7b6c9f1a11", 10)
	assertAppError(t, err, apperror.NotFound, "job not found")
}

func TestJobLogs_NoLogStore(t *testing.T) {
	h := newHarness(t, []string{"A"})
	id := h.createFull(t, 1, AllTypes())

	entries, err := h.mgr.JobLogs(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
