package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// LedgerRepository records processed provider events in processed_events.
//
// Admission uses INSERT ... ON CONFLICT DO UPDATE so that a fresh event or
// one whose processing lease has expired is claimed in a single statement,
// while an applied event or a live lease is left untouched.
type LedgerRepository struct {
	db  DBTX
	now func() time.Time
}

// NewLedgerRepository creates a LedgerRepository backed by db.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Admit claims eventID for lease.
func (r *LedgerRepository) Admit(ctx context.Context, eventID string, eventType types.EventType, lease time.Duration) (types.AdmitResult, error) {
	// Timestamps are computed here rather than with interval arithmetic in SQL.
	now := r.now()
	expiresAt := now.Add(lease)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, status, received_at, lease_expires_at)
		 VALUES ($1, $2, 'processing', $3, $4)
		 ON CONFLICT (event_id) DO UPDATE
		   SET received_at = EXCLUDED.received_at,
		       lease_expires_at = EXCLUDED.lease_expires_at
		   WHERE processed_events.status = 'processing'
		     AND processed_events.lease_expires_at < $3`,
		eventID,
		string(eventType),
		now,
		expiresAt,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalLedger, "failed to admit event", err)
	}
	if tag.RowsAffected() > 0 {
		return types.AdmitAccepted, nil
	}

	var status string
	err = r.db.QueryRow(ctx,
		`SELECT status FROM processed_events WHERE event_id = $1`,
		eventID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the two statements; let the provider retry.
			return types.AdmitInFlight, nil
		}
		return "", types.NewAppError(types.ErrCodeInternalLedger, "failed to read ledger entry", err)
	}
	if status == types.LedgerStatusApplied {
		return types.AdmitDuplicate, nil
	}
	return types.AdmitInFlight, nil
}

// Commit marks an admitted event as applied.
func (r *LedgerRepository) Commit(ctx context.Context, eventID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE processed_events
		    SET status = 'applied', applied_at = $2, lease_expires_at = NULL
		  WHERE event_id = $1 AND status = 'processing'`,
		eventID,
		r.now(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalLedger, "failed to commit event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalLedger, fmt.Sprintf("event %s has no open claim", eventID), nil)
	}
	return nil
}

// Release drops an unfinished claim so a redelivery is admitted again.
func (r *LedgerRepository) Release(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND status = 'processing'`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalLedger, "failed to release event", err)
	}
	return nil
}

// Prune deletes applied entries older than cutoff.
//
// SQL: DELETE FROM processed_events WHERE status = 'applied' AND applied_at < $1
func (r *LedgerRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processed_events WHERE status = 'applied' AND applied_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalLedger, "failed to prune ledger", err)
	}
	return tag.RowsAffected(), nil
}
