package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Writer persists normalized snapshots idempotently.
type Writer struct {
	repo Repository
}

func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo}
}

// Save writes snapshots and returns how many were actually inserted, which is
// less than len(snapshots) when some were already present. Nothing is
// written if any snapshot is invalid.
func (w *Writer) Save(ctx context.Context, snapshots []Snapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}
	for i, s := range snapshots {
		if err := s.Validate(); err != nil {
			return 0, fmt.Errorf("save snapshots: item %d (%s %s): %w", i, s.Retailer, s.CreatedAt.Format(time.DateOnly), err)
		}
	}
	n, err := w.repo.InsertIgnoringDuplicates(ctx, snapshots)
	if err != nil {
		return 0, fmt.Errorf("save snapshots: %w", err)
	}
	if skipped := int64(len(snapshots)) - n; skipped > 0 {
		slog.Debug("skipped duplicate snapshots", "skipped", skipped, "inserted", n)
	}
	return n, nil
}
