package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	pruneInterval  = 6 * time.Hour
	usageRetention = 90 * 24 * time.Hour
)

// PruneStore is the persistence interface consumed by UsagePruneWorker.
type PruneStore interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// UsagePruneWorker deletes usage records older than the retention window.
// Daily and monthly quota windows are unaffected; total counters reseeded
// after a restart will not see pruned history, so deployments relying on
// total limits should size the retention accordingly.
type UsagePruneWorker struct {
	store PruneStore
}

// NewUsagePruneWorker creates a new prune worker.
func NewUsagePruneWorker(store PruneStore) *UsagePruneWorker {
	return &UsagePruneWorker{store: store}
}

// Run prunes expired usage records on a periodic schedule.
func (w *UsagePruneWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *UsagePruneWorker) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-usageRetention)
	removed, err := w.store.PruneUsage(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		slog.Info("usage records pruned", "removed", removed, "cutoff", cutoff)
	}
}
