// Package scheduler runs periodic maintenance for the sync engine.
//
// LedgerJanitor prunes committed ledger entries older than the retention
// window. It accepts a `now` parameter for deterministic testing and for
// manual backfill from the Lambda entrypoint.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerPruner is the subset of billing.Ledger the janitor needs.
//
// SQL: DELETE FROM processed_events WHERE status = 'applied' AND applied_at < $1
type LedgerPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneRecorder is implemented by the metric recorders. Optional.
type PruneRecorder interface {
	RecordPruned(ctx context.Context, n int64)
}

type LedgerJanitor struct {
	ledger    LedgerPruner
	retention time.Duration
	recorder  PruneRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedgerJanitor creates a janitor. recorder may be nil.
func NewLedgerJanitor(ledger LedgerPruner, retention time.Duration, recorder PruneRecorder, logger *slog.Logger) *LedgerJanitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerJanitor{
		ledger:    ledger,
		retention: retention,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// PruneOnce removes entries committed before now - retention.
func (j *LedgerJanitor) PruneOnce(ctx context.Context, now time.Time) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-j.retention)

	n, err := j.ledger.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning ledger: %w", err)
	}
	if j.recorder != nil {
		j.recorder.RecordPruned(ctx, n)
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "pruned ledger entries",
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return n, nil
}

// Run prunes every interval until ctx ends. Failures are logged and the
// next tick retries. Returns nil on cancellation.
func (j *LedgerJanitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.PruneOnce(ctx, j.now()); err != nil {
				j.logger.ErrorContext(ctx, "ledger prune failed", "error", err)
			}
		}
	}
}
