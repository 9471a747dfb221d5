// Package backfill runs historical price import jobs: creating and
// validating them, driving their checkpointed execution and moving them
// through their lifecycle.
package backfill

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusPaused         Status = "paused"
	StatusCompleted      Status = "completed"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// ActiveStatuses are the statuses of which a source may hold at most one job.
var ActiveStatuses = []Status{StatusPending, StatusRunning, StatusPaused}

// TerminalStatuses are final; a job in one of them can only be deleted.
var TerminalStatuses = []Status{StatusCompleted, StatusPartialSuccess, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool { return slices.Contains(TerminalStatuses, s) }
func (s Status) Active() bool   { return slices.Contains(ActiveStatuses, s) }

func (s Status) Valid() bool { return s.Active() || s.Terminal() }

type JobType string

const (
	TypeFullHistorical JobType = "full_historical"
	TypeDateRange      JobType = "date_range"
)

func (t JobType) Valid() bool { return t == TypeFullHistorical || t == TypeDateRange }

const allTypes = "all"

// Types selects which external codes a job covers: every enabled mapping, or
// an explicit set. It encodes as the JSON string "all" or an array of codes.
type Types struct {
	All   bool
	Codes []string
}

func AllTypes() Types { return Types{All: true} }

func TypeCodes(codes ...string) Types { return Types{Codes: codes} }

// Filter returns the codes to restrict mapping lookups to; nil means all.
func (t Types) Filter() []string {
	if t.All {
		return nil
	}
	return t.Codes
}

func (t Types) String() string {
	if t.All {
		return allTypes
	}
	return fmt.Sprint(t.Codes)
}

func (t Types) MarshalJSON() ([]byte, error) {
	if t.All {
		return json.Marshal(allTypes)
	}
	if t.Codes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.Codes)
}

func (t *Types) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != allTypes {
			return fmt.Errorf("types must be %q or a list of codes, got %q", allTypes, s)
		}
		*t = AllTypes()
		return nil
	}
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return errors.New("types must be \"all\" or a list of codes")
	}
	*t = Types{Codes: codes}
	return nil
}

// JobConfig is the persisted configuration. FullHistorical jobs use Days;
// DateRange jobs use StartDate and EndDate (YYYY-MM-DD, inclusive).
type JobConfig struct {
	Days      int    `json:"days,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Types     Types  `json:"types"`
}

type FullHistoricalConfig struct {
	Days  int   `json:"days"`
	Types Types `json:"types"`
}

type DateRangeConfig struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Types     Types  `json:"types"`
}

// FailedItem is one unit (or one chunk of a unit) that could not be imported.
type FailedItem struct {
	TypeIdentifier string `json:"typeIdentifier"`
	Date           string `json:"date,omitempty"`
	ErrorMessage   string `json:"errorMessage"`
}

// Counters are the per-job progress counters.
type Counters struct {
	ItemsProcessed  int   `json:"itemsProcessed"`
	ItemsSucceeded  int   `json:"itemsSucceeded"`
	ItemsFailed     int   `json:"itemsFailed"`
	ItemsSkipped    int   `json:"itemsSkipped"`
	RecordsInserted int64 `json:"recordsInserted"`
}

// Checkpoint points at the first unit that is not yet committed. Counters and
// FailedItemsLen capture the job state at that point so a resumed run starts
// from the same baseline instead of double counting replayed units.
//
// Progress saved after the checkpoint is discarded on resume: a job that
// crashed with items_processed 15 and a checkpoint taken at 11 reports 11
// again once it is re-run, and climbs back as the replayed units commit.
// Only the checkpoint is monotonic.
type Checkpoint struct {
	CurrentTypeIndex   int      `json:"currentTypeIndex"`
	CurrentDateIndex   int      `json:"currentDateIndex"`
	LastSuccessfulType string   `json:"lastSuccessfulType,omitempty"`
	LastSuccessfulDate string   `json:"lastSuccessfulDate,omitempty"`
	NextType           string   `json:"nextType,omitempty"`
	UnitFailed         bool     `json:"unitFailed,omitempty"`
	FailedItemsLen     int      `json:"failedItemsLen"`
	Counters           Counters `json:"counters"`
}

type Job struct {
	ID              string    `json:"id"`
	JobType         JobType   `json:"jobType"`
	SourceID        int64     `json:"sourceId"`
	Config          JobConfig `json:"config"`
	Status          Status    `json:"status"`
	ProgressPercent int       `json:"progressPercent"`
	TotalItems      int       `json:"totalItems"`
	Counters
	FailedItems  []FailedItem `json:"failedItems"`
	Checkpoint   *Checkpoint  `json:"checkpointData,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	ErrorDetails string       `json:"errorDetails,omitempty"`
	// RunID identifies the execution that claimed the job. It is cleared
	// whenever the job is requeued; writes from any other run are rejected.
	RunID       string     `json:"runId,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Stats struct {
	ByStatus             map[Status]int `json:"byStatus"`
	TotalJobs            int            `json:"totalJobs"`
	TotalRecordsInserted int64          `json:"totalRecordsInserted"`
}

// Progress is the state written while a job runs. Checkpoint is only written
// when non-nil; an existing checkpoint is otherwise left untouched.
type Progress struct {
	ProgressPercent int
	Counters        Counters
	FailedItems     []FailedItem
	Checkpoint      *Checkpoint
}

// Outcome is the final state written when a job leaves Running.
type Outcome struct {
	Status          Status
	ProgressPercent int
	Counters        Counters
	FailedItems     []FailedItem
	ErrorMessage    string
	ErrorDetails    string
	ClearCheckpoint bool
}

// finalStatus applies the completion rule to a finished run.
func finalStatus(c Counters) Status {
	switch {
	case c.ItemsFailed == 0:
		return StatusCompleted
	case c.ItemsSucceeded > 0:
		return StatusPartialSuccess
	default:
		return StatusFailed
	}
}
