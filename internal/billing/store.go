package billing

import (
	"context"
	"time"

	"subsync/internal/types"
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// AccountStore persists accounts and their embedded subscription.
type AccountStore interface {
	// Create inserts a new account with the default subscription.
	// Returns ErrCodeConflictAccount if the id is taken.
	Create(ctx context.Context, accountID, email string) (*types.Account, error)

	// Get returns the account or ErrCodeNotFoundAccount.
	Get(ctx context.Context, accountID string) (*types.Account, error)

	// FindCustomerID returns the provider customer already linked to the
	// account, or "" if none.
	FindCustomerID(ctx context.Context, accountID string) (string, error)

	// ApplyTransition stores next only if the stored version still equals
	// expectedVersion, and returns the stored record with its new version.
	// A lost race yields ErrCodeVersionConflict.
	//
	// SQL: UPDATE accounts SET ..., version = version + 1
	//      WHERE account_id = $1 AND version = $2
	ApplyTransition(ctx context.Context, accountID string, expectedVersion int64, next types.AccountSubscription) (*types.Account, error)
}

// Ledger records which provider events have been applied. An event is
// admitted under a lease, then either committed (permanent for the
// retention period) or released so a redelivery can retry it.
type Ledger interface {
	Admit(ctx context.Context, eventID string, eventType types.EventType, lease time.Duration) (types.AdmitResult, error)
	Commit(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	// Prune removes committed entries older than cutoff and returns the count.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier delivers effects. Delivery failures never affect the sync result.
type Notifier interface {
	Notify(ctx context.Context, effect types.Effect) error
}

// Metrics records sync outcomes.
type Metrics interface {
	RecordOutcome(ctx context.Context, outcome Outcome, eventType types.EventType)
	RecordConflict(ctx context.Context)
	RecordLatency(ctx context.Context, outcome Outcome, d time.Duration)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordOutcome(context.Context, Outcome, types.EventType) {}
func (NoopMetrics) RecordConflict(context.Context)                          {}
func (NoopMetrics) RecordLatency(context.Context, Outcome, time.Duration)   {}
