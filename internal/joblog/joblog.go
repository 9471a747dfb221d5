// Package joblog is the append-only log attached to each backfill job.
package joblog

import (
	"context"
	"log/slog"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Entry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"jobId"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	// List returns entries newest first.
	List(ctx context.Context, jobID string, limit int) ([]Entry, error)
}

// Logger writes job log entries and mirrors them to slog. Store failures are
// logged and dropped so they never interrupt a job.
type Logger struct {
	repo Repository
}

func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo}
}

func (l *Logger) Info(ctx context.Context, jobID, msg string, details map[string]any) {
	l.write(ctx, LevelInfo, jobID, msg, details)
}

func (l *Logger) Warning(ctx context.Context, jobID, msg string, details map[string]any) {
	l.write(ctx, LevelWarning, jobID, msg, details)
}

func (l *Logger) Error(ctx context.Context, jobID, msg string, details map[string]any) {
	l.write(ctx, LevelError, jobID, msg, details)
}

// List returns the newest entries of a job. A Logger without a store has
// none.
func (l *Logger) List(ctx context.Context, jobID string, limit int) ([]Entry, error) {
	if l == nil || l.repo == nil {
		return []Entry{}, nil
	}
	return l.repo.List(ctx, jobID, limit)
}

func (l *Logger) write(ctx context.Context, level Level, jobID, msg string, details map[string]any) {
	attrs := make([]any, 0, 2+2*len(details))
	attrs = append(attrs, "job", jobID)
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	slog.Log(ctx, level.slogLevel(), msg, attrs...)

	if l == nil || l.repo == nil {
		return
	}
	// Entries must outlive a cancelled job context, e.g. the final
	// "interrupted" entry written during shutdown.
	if err := l.repo.Append(context.WithoutCancel(ctx), &Entry{
		JobID:   jobID,
		Level:   level,
		Message: msg,
		Details: details,
	}); err != nil {
		slog.Error("append job log", "job", jobID, "error", err)
	}
}

func (lv Level) slogLevel() slog.Level {
	switch lv {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
