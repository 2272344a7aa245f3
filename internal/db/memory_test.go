package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, "acct_1", "a@example.com")
	require.NoError(t, err)

	_, err = s.Create(ctx, "acct_1", "a@example.com")
	assert.True(t, types.IsCode(err, types.ErrCodeConflictAccount))

	acct, err := s.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSubscription(), acct.Subscription)

	_, err = s.Get(ctx, "nope")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestMemoryStore_ApplyTransition_CAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, "acct_1", "")
	require.NoError(t, err)

	next := types.DefaultSubscription()
	next.Status = types.SubStatusActive

	acct, err := s.ApplyTransition(ctx, "acct_1", 0, next)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Subscription.Version)

	_, err = s.ApplyTransition(ctx, "acct_1", 0, next)
	assert.True(t, types.IsCode(err, types.ErrCodeVersionConflict))

	_, err = s.ApplyTransition(ctx, "missing", 0, next)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestMemoryStore_FindCustomerID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, "acct_1", "")
	require.NoError(t, err)

	next := types.DefaultSubscription()
	next.ProviderCustomerID = "cus_1"
	_, err = s.ApplyTransition(ctx, "acct_1", 0, next)
	require.NoError(t, err)

	id, err := s.FindCustomerID(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
}

func TestMemoryLedger_Lifecycle(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	res, err := l.Admit(ctx, "evt_1", types.EventInvoicePaid, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.AdmitAccepted, res)

	res, _ = l.Admit(ctx, "evt_1", types.EventInvoicePaid, time.Minute)
	assert.Equal(t, types.AdmitInFlight, res)

	require.NoError(t, l.Commit(ctx, "evt_1"))
	res, _ = l.Admit(ctx, "evt_1", types.EventInvoicePaid, time.Minute)
	assert.Equal(t, types.AdmitDuplicate, res)

	assert.Error(t, l.Commit(ctx, "evt_unknown"))
}

func TestMemoryLedger_ExpiredLeaseIsReclaimed(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := l.Admit(ctx, "evt_1", types.EventInvoicePaid, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	res, err := l.Admit(ctx, "evt_1", types.EventInvoicePaid, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.AdmitAccepted, res)
}

func TestMemoryLedger_ReleaseAndPrune(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.Admit(ctx, "evt_released", types.EventInvoicePaid, time.Minute)
	require.NoError(t, l.Release(ctx, "evt_released"))
	res, _ := l.Admit(ctx, "evt_released", types.EventInvoicePaid, time.Minute)
	assert.Equal(t, types.AdmitAccepted, res)

	_, _ = l.Admit(ctx, "evt_old", types.EventInvoicePaid, time.Minute)
	require.NoError(t, l.Commit(ctx, "evt_old"))

	n, err := l.Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// evt_released is still processing and survives.
	res, _ = l.Admit(ctx, "evt_released", types.EventInvoicePaid, time.Minute)
	assert.Equal(t, types.AdmitInFlight, res)
}
