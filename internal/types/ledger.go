package types

// AdmitResult is the event ledger's answer to an admission attempt.
type AdmitResult string

const (
	// AdmitAccepted grants the caller an exclusive lease on the event.
	AdmitAccepted AdmitResult = "accepted"
	// AdmitDuplicate means the event was already applied.
	AdmitDuplicate AdmitResult = "duplicate"
	// AdmitInFlight means another worker holds an unexpired lease.
	AdmitInFlight AdmitResult = "in_flight"
)

// Ledger entry states as persisted.
const (
	LedgerStatusProcessing = "processing"
	LedgerStatusApplied    = "applied"
)
