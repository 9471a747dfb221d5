package backfill

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// mockRepo is an in-memory Repository with the same conditional semantics
// as the SQLite store.
type mockRepo struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	seq   int

	// onGet runs after every Get, outside the lock.
	onGet       func(j *Job)
	saveErr     error
	saveCalls   int
	checkpoints []Checkpoint
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job)}
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.FailedItems = slices.Clone(j.FailedItems)
	cp.Config.Types.Codes = slices.Clone(j.Config.Types.Codes)
	if j.Checkpoint != nil {
		c := *j.Checkpoint
		cp.Checkpoint = &c
	}
	return &cp
}

func (m *mockRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.jobs {
		if other.SourceID == j.SourceID && other.Status.Active() {
			return ErrActiveJobExists
		}
	}
	m.seq++
	j.CreatedAt = time.Date(2024, 1, 1, 0, 0, m.seq, 0, time.UTC)
	j.UpdatedAt = j.CreatedAt
	m.jobs[j.ID] = cloneJob(j)
	m.order = append(m.order, j.ID)
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	var cp *Job
	if ok {
		cp = cloneJob(j)
	}
	hook := m.onGet
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if hook != nil {
		hook(cp)
	}
	return cp, nil
}

// put overwrites a job; tests use it to arrange state.
func (m *mockRepo) put(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		m.order = append(m.order, j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
}

func (m *mockRepo) get(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJob(m.jobs[id])
}

func (m *mockRepo) setStatus(id string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = s
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Job
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if j == nil ||
			(f.Status != "" && j.Status != f.Status) ||
			(f.SourceID != 0 && j.SourceID != f.SourceID) ||
			(f.JobType != "" && j.JobType != f.JobType) {
			continue
		}
		all = append(all, *cloneJob(j))
	}
	lo := min(f.Offset, len(all))
	hi := min(lo+f.Limit, len(all))
	return all[lo:hi], len(all), nil
}

func (m *mockRepo) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{ByStatus: make(map[Status]int)}
	for _, j := range m.jobs {
		s.ByStatus[j.Status]++
		s.TotalJobs++
		s.TotalRecordsInserted += j.RecordsInserted
	}
	return s, nil
}

func (m *mockRepo) FindActiveBySource(_ context.Context, sourceID int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SourceID == sourceID && j.Status.Active() {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (m *mockRepo) TransitionStatus(_ context.Context, id string, from []Status, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !slices.Contains(from, j.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = to
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.CompletedAt = &now
	}
	if to == StatusPending {
		j.RunID = ""
	}
	return true, nil
}

func (m *mockRepo) SaveProgress(_ context.Context, id, runID string, p Progress, allowed []Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return false, m.saveErr
	}
	j, ok := m.jobs[id]
	if !ok || j.RunID != runID || !slices.Contains(allowed, j.Status) {
		return false, nil
	}
	j.ProgressPercent = p.ProgressPercent
	j.Counters = p.Counters
	j.FailedItems = slices.Clone(p.FailedItems)
	if p.Checkpoint != nil {
		c := *p.Checkpoint
		j.Checkpoint = &c
		m.checkpoints = append(m.checkpoints, c)
	}
	return true, nil
}

func (m *mockRepo) Finish(_ context.Context, id, runID string, o Outcome, from []Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.RunID != runID || !slices.Contains(from, j.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = o.Status
	j.ProgressPercent = o.ProgressPercent
	j.Counters = o.Counters
	j.FailedItems = slices.Clone(o.FailedItems)
	j.ErrorMessage = o.ErrorMessage
	j.ErrorDetails = o.ErrorDetails
	j.CompletedAt = &now
	if o.ClearCheckpoint {
		j.Checkpoint = nil
	}
	return true, nil
}

func (m *mockRepo) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Status.Terminal() {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *mockRepo) claim(j *Job, runID string) {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.RunID = runID
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
}

func (m *mockRepo) Claim(_ context.Context, id, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		return false, nil
	}
	m.claim(j, runID)
	return true, nil
}

func (m *mockRepo) ClaimPending(_ context.Context, runID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		j := m.jobs[id]
		if j != nil && j.Status == StatusPending {
			m.claim(j, runID)
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (m *mockRepo) RecoverStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == StatusRunning && !j.UpdatedAt.After(cutoff) {
			j.Status = StatusPending
			j.RunID = ""
			n++
		}
	}
	return n, nil
}

// mockSources serves one source with a fixed set of mappings whose
// reference entities are all enabled unless listed in disabledRefs.
type mockSources struct {
	mu           sync.Mutex
	source       source.Source
	mappings     []source.TypeMapping
	disabledRefs map[int64]bool
}

func newMockSources(apiType string, codes ...string) *mockSources {
	s := &mockSources{
		source:       source.Source{ID: 1, Name: "goldfeed", APIType: apiType, APIURL: "http://feed", Enabled: true, RateLimitPerMinute: 1000},
		disabledRefs: make(map[int64]bool),
	}
	for i, code := range codes {
		s.mappings = append(s.mappings, source.TypeMapping{
			ID: int64(i + 1), SourceID: 1, ExternalCode: code,
			RetailerID: int64(i + 1), ProvinceID: 1, ProductID: 1, Enabled: true,
		})
	}
	return s
}

func (s *mockSources) setMappingEnabled(code string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mappings {
		if s.mappings[i].ExternalCode == code {
			s.mappings[i].Enabled = enabled
		}
	}
}

func (s *mockSources) GetSource(_ context.Context, id int64) (*source.Source, error) {
	if id != s.source.ID {
		return nil, source.ErrNotFound
	}
	cp := s.source
	return &cp, nil
}

func (s *mockSources) GetSourceByName(_ context.Context, name string) (*source.Source, error) {
	if name != s.source.Name {
		return nil, source.ErrNotFound
	}
	cp := s.source
	return &cp, nil
}

func (s *mockSources) GetMapping(_ context.Context, id int64) (*source.TypeMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, source.ErrNotFound
}

func (s *mockSources) ListEnabledMappings(_ context.Context, sourceID int64, codes []string) ([]source.TypeMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []source.TypeMapping
	for _, m := range s.mappings {
		if m.SourceID != sourceID || !m.Enabled {
			continue
		}
		if len(codes) > 0 && !slices.Contains(codes, m.ExternalCode) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *mockSources) CountEnabledMappings(ctx context.Context, sourceID int64, codes []string) (int, error) {
	ms, err := s.ListEnabledMappings(ctx, sourceID, codes)
	return len(ms), err
}

func (s *mockSources) Reference(_ context.Context, m source.TypeMapping) (source.Reference, error) {
	if s.disabledRefs[m.RetailerID] {
		return source.Reference{}, fmt.Errorf("retailer %d: %w", m.RetailerID, source.ErrDisabled)
	}
	return source.Reference{
		Retailer: source.Entity{ID: m.RetailerID, Code: "R" + m.ExternalCode, Enabled: true},
		Province: source.Entity{ID: m.ProvinceID, Code: "HN", Enabled: true},
		Product:  source.Entity{ID: m.ProductID, Code: "BAR", Enabled: true},
	}, nil
}

func (s *mockSources) UpsertSource(context.Context, *source.Source) error       { return nil }
func (s *mockSources) UpsertRetailer(context.Context, *source.Retailer) error   { return nil }
func (s *mockSources) UpsertProvince(context.Context, *source.Province) error   { return nil }
func (s *mockSources) UpsertProduct(context.Context, *source.Product) error     { return nil }
func (s *mockSources) UpsertMapping(context.Context, *source.TypeMapping) error { return nil }

// mockFetcher returns one point per requested day, unless the code is
// configured to fail.
type mockFetcher struct {
	mu        sync.Mutex
	now       time.Time
	failCodes map[string]string
	errCodes  map[string]error
	failDates map[string]bool // "code@YYYY-MM-DD" chunk starts that fail
	calls     []string
	onFetch   func(code string, call int)
	// extraDays widens range responses beyond the request.
	extraDays int
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		now:       time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		failCodes: make(map[string]string),
		errCodes:  make(map[string]error),
		failDates: make(map[string]bool),
	}
}

func (f *mockFetcher) record(code string) (int, func(string, int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, code)
	return len(f.calls), f.onFetch
}

func (f *mockFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *mockFetcher) outcome(code string) (*fetcher.Result, error) {
	if err := f.errCodes[code]; err != nil {
		return nil, err
	}
	if msg, ok := f.failCodes[code]; ok {
		return fetcher.Failure("%s", msg), nil
	}
	return nil, nil
}

func (f *mockFetcher) FetchHistoricalPrices(_ context.Context, code string, days int) (*fetcher.Result, error) {
	n, hook := f.record(code)
	if hook != nil {
		hook(code, n)
	}
	if res, err := f.outcome(code); res != nil || err != nil {
		return res, err
	}
	from, to := fetcher.LastDays(f.now, days)
	return f.points(from, to), nil
}

func (f *mockFetcher) FetchHistoricalRange(_ context.Context, code string, from, to time.Time) (*fetcher.Result, error) {
	n, hook := f.record(code)
	if hook != nil {
		hook(code, n)
	}
	if res, err := f.outcome(code); res != nil || err != nil {
		return res, err
	}
	if f.failDates[code+"@"+from.Format(dateFormat)] {
		return fetcher.Failure("upstream returned HTTP 502"), nil
	}
	return f.points(from.AddDate(0, 0, -f.extraDays), to.AddDate(0, 0, f.extraDays)), nil
}

func (f *mockFetcher) points(from, to time.Time) *fetcher.Result {
	res := &fetcher.Result{Success: true}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		res.Points = append(res.Points, fetcher.DayPoint{Date: d, BuyPrice: 7400000, SellPrice: 7600000})
	}
	return res
}

func (f *mockFetcher) ConvertDailyToSnapshot(p fetcher.DayPoint, _ source.TypeMapping, ref source.Reference) (snapshot.Snapshot, error) {
	return fetcher.SnapshotFor(ref, p.BuyPrice/snapshot.MacePerTael, p.SellPrice/snapshot.MacePerTael, snapshot.UnitMace, fetcher.Day(p.Date))
}

func (f *mockFetcher) MaxDays() int { return fetcher.DefaultMaxDays }

type mockFactory struct {
	f   fetcher.HistoricalFetcher
	err error
}

func (m mockFactory) New(source.Source) (fetcher.HistoricalFetcher, error) {
	return m.f, m.err
}

// memSaver stores snapshots keyed like the real unique constraint.
type memSaver struct {
	mu   sync.Mutex
	rows map[string]snapshot.Snapshot
	err  error
}

func newMemSaver() *memSaver {
	return &memSaver{rows: make(map[string]snapshot.Snapshot)}
}

func (s *memSaver) Save(_ context.Context, snaps []snapshot.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for _, sn := range snaps {
		key := fmt.Sprintf("%s|%s|%s|%s", sn.Retailer, sn.Province, sn.Product, sn.CreatedAt.Format(time.RFC3339))
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = sn
		n++
	}
	return n, nil
}

func (s *memSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
