package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

const accountColumns = `account_id, email, plan_id, status, current_period_end,
	cancel_at_period_end, additional_seats, provider_customer_id,
	provider_subscription_id, canceled_subscription_id, version, sync_clock,
	created_at, updated_at`

// AccountRepository stores accounts and their embedded subscription in the
// accounts table. Every subscription write is a compare-and-swap on the
// version column.
type AccountRepository struct {
	db  DBTX
	now func() time.Time
}

// NewAccountRepository creates an AccountRepository backed by db.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts an account with the default subscription. An existing
// account id yields ErrCodeConflictAccount.
func (r *AccountRepository) Create(ctx context.Context, accountID, email string) (*types.Account, error) {
	now := r.now()
	sub := types.DefaultSubscription()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO accounts (account_id, email, plan_id, status, additional_seats, version, sync_clock, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $6)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		email,
		string(sub.PlanID),
		string(sub.Status),
		sub.Clock,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, types.NewAppError(types.ErrCodeConflictAccount, fmt.Sprintf("account %s already exists", accountID), nil)
	}

	return &types.Account{
		ID:           accountID,
		Email:        email,
		Subscription: sub,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Get returns the account or ErrCodeNotFoundAccount.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`,
		accountID,
	)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account", err)
	}
	return acct, nil
}

// FindCustomerID returns the linked provider customer id, or "".
func (r *AccountRepository) FindCustomerID(ctx context.Context, accountID string) (string, error) {
	var customerID string
	err := r.db.QueryRow(ctx,
		`SELECT provider_customer_id FROM accounts WHERE account_id = $1`,
		accountID,
	).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load customer id", err)
	}
	return customerID, nil
}

// ApplyTransition writes next if the stored version equals expectedVersion
// and bumps the version. When no row matches, a follow-up read tells a
// missing account (ErrCodeNotFoundAccount) from a lost race
// (ErrCodeVersionConflict).
func (r *AccountRepository) ApplyTransition(ctx context.Context, accountID string, expectedVersion int64, next types.AccountSubscription) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE accounts
		    SET plan_id = $3,
		        status = $4,
		        current_period_end = $5,
		        cancel_at_period_end = $6,
		        additional_seats = $7,
		        provider_customer_id = $8,
		        provider_subscription_id = $9,
		        canceled_subscription_id = $10,
		        sync_clock = $11,
		        version = version + 1,
		        updated_at = $12
		  WHERE account_id = $1 AND version = $2
		RETURNING `+accountColumns,
		accountID,
		expectedVersion,
		string(next.PlanID),
		string(next.Status),
		next.CurrentPeriodEnd,
		next.CancelAtPeriodEnd,
		next.AdditionalSeats,
		next.ProviderCustomerID,
		next.ProviderSubscriptionID,
		next.CanceledSubscriptionID,
		next.Clock,
		r.now(),
	)
	acct, err := scanAccount(row)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}

	var current int64
	err = r.db.QueryRow(ctx,
		`SELECT version FROM accounts WHERE account_id = $1`,
		accountID,
	).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	case err != nil:
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read account version", err)
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeVersionConflict,
		"subscription was modified concurrently", nil,
		map[string]any{"expected_version": expectedVersion, "current_version": current},
	)
}

func scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		a              types.Account
		plan, status   string
		periodEnd      *time.Time
		clock          types.SyncClock
		createdAt, upd time.Time
	)
	err := row.Scan(
		&a.ID,
		&a.Email,
		&plan,
		&status,
		&periodEnd,
		&a.Subscription.CancelAtPeriodEnd,
		&a.Subscription.AdditionalSeats,
		&a.Subscription.ProviderCustomerID,
		&a.Subscription.ProviderSubscriptionID,
		&a.Subscription.CanceledSubscriptionID,
		&a.Subscription.Version,
		&clock,
		&createdAt,
		&upd,
	)
	if err != nil {
		return nil, err
	}
	a.Subscription.PlanID = types.PlanID(plan)
	a.Subscription.Status = types.SubscriptionStatus(status)
	if periodEnd != nil {
		t := periodEnd.UTC()
		a.Subscription.CurrentPeriodEnd = &t
	}
	a.Subscription.Clock = clock
	a.CreatedAt = createdAt
	a.UpdatedAt = upd
	return &a, nil
}
