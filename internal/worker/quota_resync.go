package worker

import (
	"context"
	"log/slog"
	"time"
)

const quotaResyncInterval = 60 * time.Second

// QuotaEngine is the counter reconciliation interface consumed by
// QuotaResyncWorker.
type QuotaEngine interface {
	Resync(ctx context.Context) error
}

// QuotaResyncWorker periodically reconciles in-memory quota counters with
// persisted usage. The recorder drops records under back-pressure, so
// counters can drift ahead of or behind the store between resyncs.
type QuotaResyncWorker struct {
	engine QuotaEngine
}

// NewQuotaResyncWorker creates a QuotaResyncWorker.
func NewQuotaResyncWorker(engine QuotaEngine) *QuotaResyncWorker {
	return &QuotaResyncWorker{engine: engine}
}

// Run resyncs quota counters on an interval until ctx is cancelled.
func (w *QuotaResyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(quotaResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.engine.Resync(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota resync failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
