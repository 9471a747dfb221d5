package backfill

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
)

const (
	MaxDays     = 30
	MaxSpanDays = 30

	DefaultListLimit = 50
	MaxListLimit     = 500

	dateFormat = "2006-01-02"
)

// CreateJobRequest is the transport form of both create operations.
type CreateJobRequest struct {
	JobType   JobType   `json:"jobType"`
	SourceID  int64     `json:"sourceId"`
	Config    JobConfig `json:"config"`
	CreatedBy string    `json:"createdBy"`
}

func (r CreateJobRequest) Validate() *apperror.AppError {
	if !r.JobType.Valid() {
		return apperror.Newf(apperror.BadRequest, "jobType must be %q or %q", TypeFullHistorical, TypeDateRange)
	}
	if r.SourceID <= 0 {
		return apperror.New(apperror.BadRequest, "sourceId is required")
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if _, err := uuid.Parse(r.ID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status   Status
	SourceID int64
	JobType  JobType
	Limit    int
	Offset   int
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !r.Status.Valid() {
		return apperror.Newf(apperror.BadRequest, "unknown status %q", r.Status)
	}
	if r.JobType != "" && !r.JobType.Valid() {
		return apperror.Newf(apperror.BadRequest, "unknown jobType %q", r.JobType)
	}
	if r.SourceID < 0 {
		return apperror.New(apperror.BadRequest, "sourceId must be positive")
	}
	if r.Limit < 0 || r.Limit > MaxListLimit {
		return apperror.Newf(apperror.BadRequest, "limit must be between 1 and %d", MaxListLimit)
	}
	if r.Offset < 0 {
		return apperror.New(apperror.BadRequest, "offset must not be negative")
	}
	return nil
}

func (r ListJobsRequest) filter() ListFilter {
	limit := r.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	return ListFilter{Status: r.Status, SourceID: r.SourceID, JobType: r.JobType, Limit: limit, Offset: r.Offset}
}

func validateTypes(t Types) *apperror.AppError {
	if t.All {
		return nil
	}
	if len(t.Codes) == 0 {
		return apperror.New(apperror.BadRequest, `types must be "all" or a non-empty list of codes`)
	}
	for _, c := range t.Codes {
		if strings.TrimSpace(c) == "" {
			return apperror.New(apperror.BadRequest, "type codes must not be empty")
		}
	}
	return nil
}

func validateFullHistorical(cfg FullHistoricalConfig) *apperror.AppError {
	if cfg.Days < 1 || cfg.Days > MaxDays {
		return apperror.Newf(apperror.BadRequest, "days must be between 1 and %d", MaxDays)
	}
	return validateTypes(cfg.Types)
}

// validateDateRange checks cfg against today (UTC) and returns the parsed
// inclusive bounds.
func validateDateRange(cfg DateRangeConfig, now time.Time) (from, to time.Time, appErr *apperror.AppError) {
	from, err := time.Parse(dateFormat, cfg.StartDate)
	if err != nil {
		return from, to, apperror.New(apperror.BadRequest, "startDate must be a date in YYYY-MM-DD format")
	}
	to, err = time.Parse(dateFormat, cfg.EndDate)
	if err != nil {
		return from, to, apperror.New(apperror.BadRequest, "endDate must be a date in YYYY-MM-DD format")
	}
	if !from.Before(to) {
		return from, to, apperror.New(apperror.BadRequest, "startDate must be before endDate")
	}
	if spanDays(from, to) > MaxSpanDays {
		return from, to, apperror.Newf(apperror.BadRequest, "span must not exceed %d days", MaxSpanDays)
	}
	y, m, d := now.UTC().Date()
	if to.After(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		return from, to, apperror.New(apperror.BadRequest, "endDate must not be in the future")
	}
	return from, to, validateTypes(cfg.Types)
}

// spanDays is the number of days between from and to.
func spanDays(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// inclusiveDays counts calendar days in [from, to].
func inclusiveDays(from, to time.Time) int {
	return spanDays(from, to) + 1
}
