package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

// accountRow fills the accountColumns scan targets from acct.
func accountRow(acct types.Account) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		s := acct.Subscription
		*dest[0].(*string) = acct.ID
		*dest[1].(*string) = acct.Email
		*dest[2].(*string) = string(s.PlanID)
		*dest[3].(*string) = string(s.Status)
		*dest[4].(**time.Time) = s.CurrentPeriodEnd
		*dest[5].(*bool) = s.CancelAtPeriodEnd
		*dest[6].(*int) = s.AdditionalSeats
		*dest[7].(*string) = s.ProviderCustomerID
		*dest[8].(*string) = s.ProviderSubscriptionID
		*dest[9].(*string) = s.CanceledSubscriptionID
		*dest[10].(*int64) = s.Version
		*dest[11].(*types.SyncClock) = s.Clock
		*dest[12].(*time.Time) = acct.CreatedAt
		*dest[13].(*time.Time) = acct.UpdatedAt
		return nil
	}}
}

func TestAccountRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything, sqlContaining("INSERT INTO accounts"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acct, err := repo.Create(context.Background(), "acct_1", "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct.ID)
	assert.Equal(t, types.PlanFree, acct.Subscription.PlanID)
	assert.Equal(t, types.SubStatusNone, acct.Subscription.Status)
	assert.Equal(t, int64(0), acct.Subscription.Version)
	db.AssertExpectations(t)
}

func TestAccountRepository_Create_Exists(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	_, err := repo.Create(context.Background(), "acct_1", "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictAccount))
}

func TestAccountRepository_Create_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Create(context.Background(), "acct_1", "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestAccountRepository_Get_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	stored := types.Account{
		ID: "acct_1",
		Subscription: types.AccountSubscription{
			PlanID:                 "pro",
			Status:                 types.SubStatusActive,
			CurrentPeriodEnd:       &end,
			AdditionalSeats:        2,
			ProviderCustomerID:     "cus_1",
			ProviderSubscriptionID: "sub_1",
			Version:                3,
			Clock:                  types.SyncClock{Status: end.AddDate(0, -1, 0)},
		},
	}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM accounts WHERE account_id = $1"), []any{"acct_1"}).
		Return(accountRow(stored))

	acct, err := repo.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanID("pro"), acct.Subscription.PlanID)
	assert.Equal(t, types.SubStatusActive, acct.Subscription.Status)
	assert.Equal(t, 2, acct.Subscription.AdditionalSeats)
	assert.Equal(t, int64(3), acct.Subscription.Version)
	require.NotNil(t, acct.Subscription.CurrentPeriodEnd)
	assert.True(t, end.Equal(*acct.Subscription.CurrentPeriodEnd))
	assert.True(t, stored.Subscription.Clock.Status.Equal(acct.Subscription.Clock.Status))
}

func TestAccountRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestAccountRepository_FindCustomerID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, sqlContaining("SELECT provider_customer_id"), []any{"acct_1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "cus_9"
			return nil
		}})

	id, err := repo.FindCustomerID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_9", id)
}

func TestAccountRepository_ApplyTransition_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	next := types.AccountSubscription{PlanID: "pro", Status: types.SubStatusActive, Version: 1}
	updated := types.Account{ID: "acct_1", Subscription: next}
	updated.Subscription.Version = 2

	db.On("QueryRow", mock.Anything, sqlContaining("WHERE account_id = $1 AND version = $2"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 12 && args[0] == "acct_1" && args[1] == int64(1)
	})).Return(accountRow(updated))

	acct, err := repo.ApplyTransition(context.Background(), "acct_1", 1, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.Subscription.Version)
	db.AssertExpectations(t)
}

func TestAccountRepository_ApplyTransition_VersionConflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE accounts"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", mock.Anything, sqlContaining("SELECT version FROM accounts"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 5
			return nil
		}})

	_, err := repo.ApplyTransition(context.Background(), "acct_1", 4, types.DefaultSubscription())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeVersionConflict, appErr.Code)
	assert.Equal(t, int64(5), appErr.Details["current_version"])
}

func TestAccountRepository_ApplyTransition_MissingAccount(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.ApplyTransition(context.Background(), "gone", 0, types.DefaultSubscription())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestAccountRepository_ApplyTransition_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE accounts"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("deadlock detected")})

	_, err := repo.ApplyTransition(context.Background(), "acct_1", 0, types.DefaultSubscription())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}
