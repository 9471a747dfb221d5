package backfill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/joblog"
	"github.com/ahmethakanbesel/price-backfill/internal/metrics"
	"github.com/ahmethakanbesel/price-backfill/internal/ratelimit"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

const (
	DefaultCheckpointEvery  = 10
	DefaultStatusCheckEvery = 1

	maxFailedItems = 100
)

// Control conditions that end a run without failing the job.
var (
	errPaused    = errors.New("job paused")
	errCancelled = errors.New("job cancelled")
	errReleased  = errors.New("job is no longer running")
)

// writeError marks a persistence failure, which is fatal to the job.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write snapshots: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// FetcherFactory builds the fetcher for a source; *fetcher.Registry
// implements it.
type FetcherFactory interface {
	New(src source.Source) (fetcher.HistoricalFetcher, error)
}

// SnapshotSaver persists snapshots idempotently; *snapshot.Writer
// implements it.
type SnapshotSaver interface {
	Save(ctx context.Context, snapshots []snapshot.Snapshot) (int64, error)
}

// Executor drives one job at a time from its current state to a terminal
// state, or stops early when the job is paused or cancelled.
type Executor struct {
	jobs     Repository
	sources  source.Repository
	fetchers FetcherFactory
	writer   SnapshotSaver
	logs     *joblog.Logger
	metrics  *metrics.Metrics

	checkpointEvery  int
	statusCheckEvery int
	limiterOpts      []ratelimit.Option
	now              func() time.Time
}

type ExecutorOption func(*Executor)

// WithCheckpointEvery sets how many units are processed between checkpoints.
func WithCheckpointEvery(n int) ExecutorOption {
	return func(e *Executor) { e.checkpointEvery = n }
}

// WithStatusCheckEvery sets how many units are processed between job status
// reads. Chunks of a date range unit are always checked.
func WithStatusCheckEvery(n int) ExecutorOption {
	return func(e *Executor) { e.statusCheckEvery = n }
}

func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLimiterOptions is passed to every per-run rate limiter.
func WithLimiterOptions(opts ...ratelimit.Option) ExecutorOption {
	return func(e *Executor) { e.limiterOpts = opts }
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(jobs Repository, sources source.Repository, fetchers FetcherFactory, writer SnapshotSaver, logs *joblog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		jobs:             jobs,
		sources:          sources,
		fetchers:         fetchers,
		writer:           writer,
		logs:             logs,
		checkpointEvery:  DefaultCheckpointEvery,
		statusCheckEvery: DefaultStatusCheckEvery,
		now:              time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.checkpointEvery = max(e.checkpointEvery, 1)
	e.statusCheckEvery = max(e.statusCheckEvery, 1)
	return e
}

// Execute claims a pending job and runs it. A job that is already held by
// another run, or is not pending, is a Conflict.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return fmt.Errorf("execute job: %w", err)
	}

	runID := uuid.NewString()
	ok, err := e.jobs.Claim(ctx, jobID, runID)
	if err != nil {
		return fmt.Errorf("execute job: %w", err)
	}
	if !ok {
		if cur, gerr := e.jobs.Get(ctx, jobID); gerr == nil {
			job = cur
		}
		return apperror.Newf(apperror.Conflict, "job %s is %s and cannot be executed", jobID, job.Status)
	}
	job.Status, job.RunID = StatusRunning, runID
	return e.Run(ctx, job)
}

// Run executes a job already claimed by job.RunID. Pausing, cancelling and
// losing the claim end the run with a nil error. If ctx is cancelled the
// job is checkpointed, left running for stale-job recovery, and ctx.Err()
// is returned.
func (e *Executor) Run(ctx context.Context, job *Job) (err error) {
	if job.RunID == "" {
		return apperror.Newf(apperror.Conflict, "job %s has not been claimed", job.ID)
	}

	defer e.metrics.Started()()

	r := &run{Executor: e, job: job}
	defer func() {
		if p := recover(); p != nil {
			perr := fmt.Errorf("panic: %v", p)
			r.fail(ctx, perr, string(debug.Stack()))
			err = fmt.Errorf("job %s failed: %w", job.ID, perr)
		}
	}()

	return r.settle(ctx, r.execute(ctx))
}

// unit is one type mapping to import. mapping is nil when a requested code
// has no enabled mapping.
type unit struct {
	code    string
	mapping *source.TypeMapping
}

type outcome string

const (
	outcomeSucceeded outcome = "succeeded"
	outcomeFailed    outcome = "failed"
	outcomeSkipped   outcome = "skipped"
)

// run is the state of one claimed execution.
type run struct {
	*Executor
	job     *Job
	src     *source.Source
	fetch   fetcher.HistoricalFetcher
	limiter *ratelimit.Limiter
	units   []unit

	from, to time.Time

	counters   Counters
	failed     []FailedItem
	typeIdx    int
	dateIdx    int
	unitFailed bool
	lastType   string
	lastDate   string
}

func (r *run) execute(ctx context.Context) error {
	src, err := r.sources.GetSource(ctx, r.job.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", r.job.SourceID, err)
	}
	r.src = src

	if r.fetch, err = r.fetchers.New(*src); err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}
	r.limiter = ratelimit.New(src.RequestsPerMinute(), r.limiterOpts...)

	if r.job.JobType == TypeDateRange {
		if r.from, err = time.Parse(dateFormat, r.job.Config.StartDate); err != nil {
			return fmt.Errorf("parse startDate: %w", err)
		}
		if r.to, err = time.Parse(dateFormat, r.job.Config.EndDate); err != nil {
			return fmt.Errorf("parse endDate: %w", err)
		}
	}

	if err := r.loadUnits(ctx); err != nil {
		return err
	}
	start := r.restore()

	r.logs.Info(ctx, r.job.ID, "execution started", map[string]any{
		"source":     src.Name,
		"units":      len(r.units),
		"startIndex": start,
	})

	for i := start; i < len(r.units); i++ {
		if i > start {
			r.typeIdx, r.dateIdx, r.unitFailed = i, 0, false
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if (i-start)%r.statusCheckEvery == 0 {
			if err := r.checkStatus(ctx); err != nil {
				return err
			}
		}

		out, err := r.processUnit(ctx, r.units[i])
		if err != nil {
			return err
		}
		if err := r.commitUnit(ctx, i, out); err != nil {
			return err
		}
	}

	r.typeIdx, r.dateIdx, r.unitFailed = len(r.units), 0, false
	if err := r.checkStatus(ctx); err != nil {
		return err
	}
	return r.finalize(ctx)
}

// loadUnits builds the ordered work list. With an explicit type list every
// requested code is a unit, so codes without a mapping fail individually.
func (r *run) loadUnits(ctx context.Context) error {
	types := r.job.Config.Types
	mappings, err := r.sources.ListEnabledMappings(ctx, r.job.SourceID, types.Filter())
	if err != nil {
		return fmt.Errorf("list type mappings: %w", err)
	}
	if len(mappings) == 0 {
		return errors.New("no enabled type mappings")
	}

	if types.All {
		r.units = make([]unit, len(mappings))
		for i := range mappings {
			r.units[i] = unit{code: mappings[i].ExternalCode, mapping: &mappings[i]}
		}
		return nil
	}

	byCode := make(map[string]*source.TypeMapping, len(mappings))
	for i := range mappings {
		byCode[mappings[i].ExternalCode] = &mappings[i]
	}
	seen := make(map[string]bool, len(types.Codes))
	for _, code := range types.Codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		r.units = append(r.units, unit{code: code, mapping: byCode[code]})
	}
	return nil
}

// restore applies the checkpoint baseline and returns the first unit index.
func (r *run) restore() int {
	cp := r.job.Checkpoint
	if cp == nil {
		return 0
	}

	r.counters = cp.Counters
	n := min(max(cp.FailedItemsLen, 0), len(r.job.FailedItems))
	r.failed = slices.Clone(r.job.FailedItems[:n])
	r.lastType, r.lastDate = cp.LastSuccessfulType, cp.LastSuccessfulDate

	start := min(max(cp.CurrentTypeIndex, 0), len(r.units))
	sameUnit := true
	if cp.NextType != "" && start < len(r.units) && r.units[start].code != cp.NextType {
		// The mapping list changed while the job was stopped.
		sameUnit = false
		if j := slices.IndexFunc(r.units, func(u unit) bool { return u.code == cp.NextType }); j >= 0 {
			start, sameUnit = j, true
		}
	}

	r.typeIdx = start
	if sameUnit && start < len(r.units) {
		r.dateIdx = max(cp.CurrentDateIndex, 0)
		r.unitFailed = cp.UnitFailed && r.dateIdx > 0
	}
	return start
}

func (r *run) processUnit(ctx context.Context, u unit) (outcome, error) {
	if u.mapping == nil {
		r.recordFailure(ctx, u.code, "", "no enabled type mapping for code")
		return outcomeFailed, nil
	}

	// Mappings can be disabled while a job runs.
	m, err := r.sources.GetMapping(ctx, u.mapping.ID)
	switch {
	case errors.Is(err, source.ErrNotFound) || (err == nil && !m.Enabled):
		r.logs.Info(ctx, r.job.ID, "skipping disabled type mapping", map[string]any{"type": u.code})
		return outcomeSkipped, nil
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.recordFailure(ctx, u.code, "", fmt.Sprintf("load type mapping: %v", err))
		return outcomeFailed, nil
	}

	ref, err := r.sources.Reference(ctx, *m)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.recordFailure(ctx, u.code, "", err.Error())
		return outcomeFailed, nil
	}

	if r.job.JobType == TypeDateRange {
		return r.processRange(ctx, *m, ref)
	}
	return r.processDays(ctx, *m, ref)
}

func (r *run) processDays(ctx context.Context, m source.TypeMapping, ref source.Reference) (outcome, error) {
	code := m.ExternalCode
	res, err := r.fetchWithLimit(ctx, func(ctx context.Context) (*fetcher.Result, error) {
		return r.fetch.FetchHistoricalPrices(ctx, code, r.job.Config.Days)
	})
	if err != nil {
		return "", err
	}
	if !res.Success || len(res.Points) == 0 {
		r.recordFailure(ctx, code, "", res.Message())
		return outcomeFailed, nil
	}

	msg, err := r.store(ctx, m, ref, res)
	if err != nil {
		return "", err
	}
	if msg != "" {
		r.recordFailure(ctx, code, "", msg)
		return outcomeFailed, nil
	}
	return outcomeSucceeded, nil
}

// processRange fetches the unit chunk by chunk, starting at r.dateIdx when
// resuming. The unit fails if any chunk failed.
func (r *run) processRange(ctx context.Context, m source.TypeMapping, ref source.Reference) (outcome, error) {
	code := m.ExternalCode
	chunks := fetcher.SplitDateRange(r.from, r.to, r.fetch.MaxDays())

	first := min(r.dateIdx, len(chunks))
	for c := first; c < len(chunks); c++ {
		r.dateIdx = c
		if c > first {
			if err := r.checkStatus(ctx); err != nil {
				return "", err
			}
		}

		ch := chunks[c]
		chunkDate := ch.From.Format(dateFormat)
		res, err := r.fetchWithLimit(ctx, func(ctx context.Context) (*fetcher.Result, error) {
			return r.fetch.FetchHistoricalRange(ctx, code, ch.From, ch.To)
		})
		if err != nil {
			return "", err
		}

		if !res.Success {
			r.recordChunkFailure(ctx, code, chunkDate, res.Message())
			continue
		}
		// Adapters may return more than was asked for.
		res.Points = fetcher.FilterRange(res.Points, r.from, r.to)
		if len(res.Points) == 0 {
			r.recordChunkFailure(ctx, code, chunkDate, "no data in requested range")
			continue
		}

		msg, err := r.store(ctx, m, ref, res)
		if err != nil {
			return "", err
		}
		if msg != "" {
			r.recordChunkFailure(ctx, code, chunkDate, msg)
			continue
		}
		r.lastDate = ch.To.Format(dateFormat)
	}
	r.dateIdx = len(chunks)

	if r.unitFailed {
		return outcomeFailed, nil
	}
	return outcomeSucceeded, nil
}

// fetchWithLimit performs one upstream call and then waits for a rate limit
// token, bounding when the next call may start. Transport errors become
// failed results; only context cancellation is returned as an error.
func (r *run) fetchWithLimit(ctx context.Context, call func(context.Context) (*fetcher.Result, error)) (*fetcher.Result, error) {
	started := r.now()
	res, err := call(ctx)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case res == nil || !res.Success:
		result = "failed"
	}
	r.metrics.Fetch(r.src.Name, result, r.now().Sub(started))

	waitStart := r.now()
	if werr := r.limiter.Wait(ctx); werr != nil {
		return nil, werr
	}
	r.metrics.Waited(r.src.Name, r.now().Sub(waitStart))

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return fetcher.Failure("fetch: %v", err), nil
	}
	if res == nil {
		return fetcher.Failure("no data returned"), nil
	}
	return res, nil
}

// store converts and writes the points of res. A non-empty message means
// nothing could be converted; a non-nil error is fatal.
func (r *run) store(ctx context.Context, m source.TypeMapping, ref source.Reference, res *fetcher.Result) (string, error) {
	snaps := make([]snapshot.Snapshot, 0, len(res.Points))
	var convErrs []string
	for _, p := range res.Points {
		s, err := r.fetch.ConvertDailyToSnapshot(p, m, ref)
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			convErrs = append(convErrs, err.Error())
			continue
		}
		s.SourceJobID = r.job.ID
		snaps = append(snaps, s)
	}

	if len(res.Errors) > 0 || len(convErrs) > 0 {
		details := map[string]any{
			"type":          m.ExternalCode,
			"pointErrors":   len(res.Errors),
			"convertErrors": len(convErrs),
		}
		if len(convErrs) > 0 {
			details["firstError"] = convErrs[0]
		}
		r.logs.Warning(ctx, r.job.ID, "some points were skipped", details)
	}
	if len(snaps) == 0 {
		return "no convertible points: " + convErrs[0], nil
	}

	n, err := r.writer.Save(ctx, snaps)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &writeError{err: err}
	}
	r.counters.RecordsInserted += n
	r.metrics.Records(r.src.Name, n)
	return "", nil
}

func (r *run) recordFailure(ctx context.Context, code, date, msg string) {
	if len(r.failed) < maxFailedItems {
		r.failed = append(r.failed, FailedItem{TypeIdentifier: code, Date: date, ErrorMessage: msg})
	}
	details := map[string]any{"type": code, "error": msg}
	if date != "" {
		details["date"] = date
	}
	r.logs.Warning(ctx, r.job.ID, "item failed", details)
}

func (r *run) recordChunkFailure(ctx context.Context, code, date, msg string) {
	r.unitFailed = true
	r.recordFailure(ctx, code, date, msg)
}

// commitUnit counts a finished unit and persists progress, plus a checkpoint
// every checkpointEvery units.
func (r *run) commitUnit(ctx context.Context, i int, out outcome) error {
	r.counters.ItemsProcessed++
	switch out {
	case outcomeSucceeded:
		r.counters.ItemsSucceeded++
		r.lastType = r.units[i].code
	case outcomeFailed:
		r.counters.ItemsFailed++
	case outcomeSkipped:
		r.counters.ItemsSkipped++
	}
	r.metrics.Item(r.src.Name, string(out))

	r.typeIdx, r.dateIdx, r.unitFailed = i+1, 0, false

	p := r.progress()
	if (i+1)%r.checkpointEvery == 0 {
		p.Checkpoint = r.checkpoint()
	}
	ok, err := r.jobs.SaveProgress(ctx, r.job.ID, r.job.RunID, p, []Status{StatusRunning, StatusPaused})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("save progress: %w", err)
	}
	if !ok {
		if err := r.checkStatus(ctx); err != nil {
			return err
		}
		return errReleased
	}
	return nil
}

func (r *run) progress() Progress {
	return Progress{
		ProgressPercent: percent(r.typeIdx, len(r.units)),
		Counters:        r.counters,
		FailedItems:     r.failed,
	}
}

func (r *run) checkpoint() *Checkpoint {
	cp := &Checkpoint{
		CurrentTypeIndex:   r.typeIdx,
		CurrentDateIndex:   r.dateIdx,
		LastSuccessfulType: r.lastType,
		LastSuccessfulDate: r.lastDate,
		UnitFailed:         r.unitFailed,
		FailedItemsLen:     len(r.failed),
		Counters:           r.counters,
	}
	if r.typeIdx < len(r.units) {
		cp.NextType = r.units[r.typeIdx].code
	}
	return cp
}

// saveCheckpoint persists the current position if the run still holds the
// job and it is in one of allowed.
func (r *run) saveCheckpoint(ctx context.Context, allowed []Status) error {
	p := r.progress()
	p.Checkpoint = r.checkpoint()
	ok, err := r.jobs.SaveProgress(ctx, r.job.ID, r.job.RunID, p, allowed)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if !ok {
		return errReleased
	}
	return nil
}

// checkStatus reads the live job status and turns operator actions into
// control conditions. A job requeued or claimed by another run is released.
func (r *run) checkStatus(ctx context.Context) error {
	j, err := r.jobs.Get(ctx, r.job.ID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w (job deleted)", errReleased)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("check job status: %w", err)
	}
	if j.RunID != r.job.RunID {
		return fmt.Errorf("%w (status %s, claimed by another run)", errReleased, j.Status)
	}

	switch j.Status {
	case StatusRunning:
		return nil
	case StatusPaused:
		if err := r.saveCheckpoint(ctx, []Status{StatusPaused}); err != nil {
			return err
		}
		return errPaused
	case StatusCancelled:
		return errCancelled
	default:
		return fmt.Errorf("%w (status %s)", errReleased, j.Status)
	}
}

func (r *run) finalize(ctx context.Context) error {
	status := finalStatus(r.counters)
	o := Outcome{
		Status:          status,
		ProgressPercent: 100,
		Counters:        r.counters,
		FailedItems:     r.failed,
		ClearCheckpoint: true,
	}
	if status == StatusFailed {
		o.ErrorMessage = fmt.Sprintf("all %d processed items failed", r.counters.ItemsFailed)
	}

	ok, err := r.jobs.Finish(ctx, r.job.ID, r.job.RunID, o, []Status{StatusRunning})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !ok {
		// Paused or cancelled after the last unit.
		if err := r.checkStatus(ctx); err != nil {
			return err
		}
		return errReleased
	}

	r.logs.Info(ctx, r.job.ID, "job finished", map[string]any{
		"status":          string(status),
		"itemsProcessed":  r.counters.ItemsProcessed,
		"itemsSucceeded":  r.counters.ItemsSucceeded,
		"itemsFailed":     r.counters.ItemsFailed,
		"itemsSkipped":    r.counters.ItemsSkipped,
		"recordsInserted": r.counters.RecordsInserted,
	})
	r.metrics.Finished(string(status))
	return nil
}

// settle turns the result of execute into the job's resting state.
func (r *run) settle(ctx context.Context, err error) error {
	id := r.job.ID
	switch {
	case err == nil:
		return nil

	case errors.Is(err, errPaused):
		r.logs.Info(ctx, id, "job paused", map[string]any{"checkpointIndex": r.typeIdx, "dateIndex": r.dateIdx})
		r.metrics.Finished(string(StatusPaused))
		return nil

	case errors.Is(err, errCancelled):
		if _, terr := r.jobs.TransitionStatus(ctx, id, []Status{StatusRunning}, StatusCancelled); terr != nil {
			return fmt.Errorf("cancel job: %w", terr)
		}
		r.logs.Info(ctx, id, "job cancelled", map[string]any{"itemsProcessed": r.counters.ItemsProcessed})
		r.metrics.Finished(string(StatusCancelled))
		return nil

	case errors.Is(err, errReleased):
		r.logs.Warning(ctx, id, "stopping: "+err.Error(), nil)
		return nil

	case ctx.Err() != nil:
		bg := context.WithoutCancel(ctx)
		if r.units != nil {
			if cerr := r.saveCheckpoint(bg, []Status{StatusRunning}); cerr != nil {
				r.logs.Error(bg, id, "checkpoint on shutdown failed", map[string]any{"error": cerr.Error()})
			}
		}
		r.logs.Warning(bg, id, "execution interrupted; job left running for recovery", map[string]any{
			"checkpointIndex": r.typeIdx,
		})
		return ctx.Err()

	default:
		r.fail(ctx, err, errorChain(err))
		return fmt.Errorf("job %s failed: %w", id, err)
	}
}

// fail records an unrecoverable error, keeping the counters gathered so far.
func (r *run) fail(ctx context.Context, err error, details string) {
	bg := context.WithoutCancel(ctx)
	o := Outcome{
		Status:          StatusFailed,
		ProgressPercent: percent(r.typeIdx, len(r.units)),
		Counters:        r.counters,
		FailedItems:     r.failed,
		ErrorMessage:    err.Error(),
		ErrorDetails:    details,
	}
	ok, ferr := r.jobs.Finish(bg, r.job.ID, r.job.RunID, o, []Status{StatusRunning, StatusPaused})
	if ferr != nil {
		r.logs.Error(bg, r.job.ID, "could not mark job failed", map[string]any{"error": ferr.Error()})
	} else if !ok {
		r.logs.Warning(bg, r.job.ID, "job was released before it could be marked failed", map[string]any{"error": err.Error()})
		return
	}
	r.logs.Error(bg, r.job.ID, "job failed", map[string]any{"error": err.Error()})
	r.metrics.Finished(string(StatusFailed))
}

// errorChain renders every wrapped error, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return b.String()
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
