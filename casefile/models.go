package casefile

import (
	"time"

	"feeledger/confidential"
)

// Case mirrors the cases table columns touched by the services. Party identity
// is a user id; the roster is fixed at creation and never mutated afterwards.
type Case struct {
	ID           int64
	Description  string
	Parties      []string
	EncBaseFee   confidential.Value
	EncComplexity confidential.Value
	EncTimeSpent confidential.Value
	IsActive     bool
	IsSettled    bool
	IsRefundable bool
	CreatedAt    time.Time
	SettledAt    *time.Time
	Hash         string
}

// PartyAllocation keys a party's confidential stake in one case. Paid is
// monotonic: once true it never reverts, and a refund sets the same bit.
type PartyAllocation struct {
	CaseID   int64
	PartyID  string
	EncShare confidential.Value
	EncAmount confidential.Value
	EncRatio confidential.Value
	Paid     bool
	PaidAt   *time.Time
}

// FeeCalculation holds the obfuscated fee snapshot for a case. RequestID is
// set while a decryption request for this snapshot is in flight and cleared on
// recalculation; RevealedAmount stays zero until the oracle callback lands.
type FeeCalculation struct {
	CaseID           int64
	EncBaseFactor    confidential.Value
	EncComplexityFactor confidential.Value
	EncTimeFactor    confidential.Value
	EncAdjusted      confidential.Value
	Calculated       bool
	RequestID        *string
	RequestedAt      *time.Time
	RevealedAmount   int64
	Revealed         bool
}

// DecryptionRequest maps an oracle-issued request id back to its case.
// Processed flips exactly once and guards against replayed callbacks.
type DecryptionRequest struct {
	RequestID   string
	CaseID      int64
	RequestedAt time.Time
	Processed   bool
	ProcessedAt *time.Time
}

// Stats is the process-wide case counter row. Written only by the case and
// settlement transactions, exposed read-only everywhere else.
type Stats struct {
	TotalCases   int64
	ActiveCases  int64
	SettledCases int64
}

// Event topics recorded on the per-case timeline and mirrored to the outbox.
const (
	TopicCaseCreated        = "case.created"
	TopicFeeCalculated      = "fee.calculated"
	TopicAllocationUpdated  = "allocation.updated"
	TopicResponsibilitySet  = "responsibility.distributed"
	TopicPaymentRecorded    = "payment.recorded"
	TopicCaseSettled        = "case.settled"
	TopicDecryptionRequested = "decryption.requested"
	TopicDecryptionCompleted = "decryption.completed"
	TopicDecryptionFailed   = "decryption.failed"
	TopicTimeoutTriggered   = "timeout.triggered"
	TopicRefundIssued       = "refund.issued"
)
