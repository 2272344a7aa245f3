package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"subsync/internal/types"
)

// MemoryStore is an in-process account store for local runs and tests.
// It enforces the same version compare-and-swap as AccountRepository.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]types.Account
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]types.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, accountID, email string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[accountID]; exists {
		return nil, types.NewAppError(types.ErrCodeConflictAccount, fmt.Sprintf("account %s already exists", accountID), nil)
	}
	now := s.now()
	a := types.Account{
		ID:           accountID,
		Email:        email,
		Subscription: types.DefaultSubscription(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[accountID] = a
	return &a, nil
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return &a, nil
}

func (s *MemoryStore) FindCustomerID(ctx context.Context, accountID string) (string, error) {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Subscription.ProviderCustomerID, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, accountID string, expectedVersion int64, next types.AccountSubscription) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	if a.Subscription.Version != expectedVersion {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeVersionConflict,
			"subscription was modified concurrently", nil,
			map[string]any{"expected_version": expectedVersion, "current_version": a.Subscription.Version},
		)
	}
	next.Version = expectedVersion + 1
	if next.CurrentPeriodEnd != nil {
		t := *next.CurrentPeriodEnd
		next.CurrentPeriodEnd = &t
	}
	a.Subscription = next
	a.UpdatedAt = s.now()
	s.accounts[accountID] = a
	return &a, nil
}

type memoryEntry struct {
	status    string
	expiresAt time.Time
	appliedAt time.Time
}

// MemoryLedger is an in-process event ledger with lease semantics.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Admit(_ context.Context, eventID string, _ types.EventType, lease time.Duration) (types.AdmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[eventID]; ok {
		if e.status == types.LedgerStatusApplied {
			return types.AdmitDuplicate, nil
		}
		if now.Before(e.expiresAt) {
			return types.AdmitInFlight, nil
		}
	}
	l.entries[eventID] = memoryEntry{status: types.LedgerStatusProcessing, expiresAt: now.Add(lease)}
	return types.AdmitAccepted, nil
}

func (l *MemoryLedger) Commit(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[eventID]
	if !ok || e.status != types.LedgerStatusProcessing {
		return types.NewAppError(types.ErrCodeInternalLedger, fmt.Sprintf("event %s has no open claim", eventID), nil)
	}
	l.entries[eventID] = memoryEntry{status: types.LedgerStatusApplied, appliedAt: l.now()}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[eventID]; ok && e.status == types.LedgerStatusProcessing {
		delete(l.entries, eventID)
	}
	return nil
}

func (l *MemoryLedger) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for id, e := range l.entries {
		if e.status == types.LedgerStatusApplied && e.appliedAt.Before(cutoff) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}
