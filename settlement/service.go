// Package settlement tracks per-party payments, flips cases to settled on
// unanimity, and services the timeout/refund fallback that keeps the system
// live when the decryption oracle never answers.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"feeledger/auth"
	"feeledger/casefile"
	"feeledger/fault"
)

// Ledger is the slice of the case store the tracker needs.
type Ledger interface {
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, caseID int64) (casefile.Case, error)
	GetFeeCalculationTx(ctx context.Context, tx pgx.Tx, caseID int64) (casefile.FeeCalculation, error)
	GetAllocationTx(ctx context.Context, tx pgx.Tx, caseID int64, partyID string) (casefile.PartyAllocation, error)
	MarkAllocationPaid(ctx context.Context, tx pgx.Tx, caseID int64, partyID string) (bool, error)
	CountUnpaid(ctx context.Context, tx pgx.Tx, caseID int64) (int, error)
	SettleCase(ctx context.Context, tx pgx.Tx, caseID int64) (time.Time, error)
	SetCaseRefundable(ctx context.Context, tx pgx.Tx, caseID int64) error
	BumpStats(ctx context.Context, tx pgx.Tx, dTotal, dActive, dSettled int) error
	AppendEvent(ctx context.Context, tx pgx.Tx, caseID int64, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error

	GetCase(ctx context.Context, caseID int64) (casefile.Case, error)
	GetAllocation(ctx context.Context, caseID int64, partyID string) (casefile.PartyAllocation, error)
}

// Config carries the two lazy deadlines.
type Config struct {
	DecryptionTimeout time.Duration
	CaseTimeout       time.Duration
}

// DefaultConfig returns the standard deadlines.
func DefaultConfig() Config {
	return Config{
		DecryptionTimeout: DefaultDecryptionTimeout,
		CaseTimeout:       DefaultCaseTimeout,
	}
}

// Tracker is the settlement service.
type Tracker struct {
	pool  casefile.TxBeginner
	store Ledger
	cfg   Config
}

func NewTracker(pool casefile.TxBeginner, store Ledger, cfg Config) *Tracker {
	if cfg.DecryptionTimeout <= 0 {
		cfg.DecryptionTimeout = DefaultDecryptionTimeout
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = DefaultCaseTimeout
	}
	return &Tracker{pool: pool, store: store, cfg: cfg}
}

// RecordPayment marks the calling party as paid. When the last roster member
// pays, the same transaction flips the case to settled, so two racing
// payments cannot double-trigger the transition.
func (t *Tracker) RecordPayment(ctx context.Context, actor auth.Actor, caseID int64) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := t.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("settlement: case %d is not active: %w", caseID, fault.ErrState)
	}
	fc, err := t.store.GetFeeCalculationTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !fc.Calculated {
		return fmt.Errorf("settlement: case %d fee not calculated: %w", caseID, fault.ErrState)
	}

	alloc, err := t.store.GetAllocationTx(ctx, tx, caseID, actor.UserID)
	if err != nil {
		return err
	}
	if alloc.Paid {
		return fmt.Errorf("settlement: party %s already paid on case %d: %w", actor.UserID, caseID, fault.ErrState)
	}
	if flipped, err := t.store.MarkAllocationPaid(ctx, tx, caseID, actor.UserID); err != nil {
		return err
	} else if !flipped {
		return fmt.Errorf("settlement: party %s already paid on case %d: %w", actor.UserID, caseID, fault.ErrState)
	}

	signal := map[string]any{"case_id": caseID, "party_id": actor.UserID}
	if err := t.store.AppendEvent(ctx, tx, caseID, casefile.TopicPaymentRecorded, &actor.UserID, signal); err != nil {
		return err
	}
	if err := t.store.EnqueueOutbox(ctx, tx, casefile.TopicPaymentRecorded, signal); err != nil {
		return err
	}

	unpaid, err := t.store.CountUnpaid(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if unpaid == 0 {
		if err := t.settleLocked(ctx, tx, caseID, &actor.UserID, "unanimous_payment"); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit payment: %w", err)
	}

	slog.Info("payment recorded", "case_id", caseID, "party_id", actor.UserID, "remaining", unpaid)
	return nil
}

// EmergencySettle force-settles an active case, bypassing the unanimity
// check. Administrative closure only.
func (t *Tracker) EmergencySettle(ctx context.Context, actor auth.Actor, caseID int64) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("settlement: emergency settle is admin-only: %w", fault.ErrAuthorization)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := t.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("settlement: case %d is not active: %w", caseID, fault.ErrState)
	}
	if err := t.settleLocked(ctx, tx, caseID, &actor.UserID, "emergency"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit emergency settle: %w", err)
	}

	slog.Warn("case emergency settled", "case_id", caseID, "admin", actor.UserID)
	return nil
}

// HandleDecryptionTimeout flags the case refundable once the oracle has been
// silent past the decryption deadline. Anyone may trigger it; repeated calls
// after the first succeed without further effect.
func (t *Tracker) HandleDecryptionTimeout(ctx context.Context, actor auth.Actor, caseID int64) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := t.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	fc, err := t.store.GetFeeCalculationTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if fc.RequestID == nil || fc.RequestedAt == nil {
		return fmt.Errorf("settlement: case %d has no decryption request: %w", caseID, fault.ErrState)
	}
	if fc.Revealed {
		return fmt.Errorf("settlement: case %d already revealed: %w", caseID, fault.ErrState)
	}
	if !DecryptionDeadlineElapsed(*fc.RequestedAt, time.Now(), t.cfg.DecryptionTimeout) {
		return fmt.Errorf("settlement: decryption deadline for case %d not reached: %w", caseID, fault.ErrState)
	}

	if c.IsRefundable {
		// Already flagged; nothing further to record.
		return tx.Commit(ctx)
	}
	if err := t.store.SetCaseRefundable(ctx, tx, caseID); err != nil {
		return err
	}

	signal := map[string]any{"case_id": caseID, "request_id": *fc.RequestID, "reason": "decryption_timeout"}
	for _, topic := range []string{casefile.TopicDecryptionFailed, casefile.TopicTimeoutTriggered} {
		if err := t.store.AppendEvent(ctx, tx, caseID, topic, nil, signal); err != nil {
			return err
		}
		if err := t.store.EnqueueOutbox(ctx, tx, topic, signal); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit decryption timeout: %w", err)
	}

	slog.Warn("decryption timed out", "case_id", caseID, "request_id", *fc.RequestID)
	return nil
}

// HandleCaseTimeout flags a stalled active case refundable after the
// inactivity deadline.
func (t *Tracker) HandleCaseTimeout(ctx context.Context, actor auth.Actor, caseID int64) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := t.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("settlement: case %d is not active: %w", caseID, fault.ErrState)
	}
	if !CaseDeadlineElapsed(c.CreatedAt, time.Now(), t.cfg.CaseTimeout) {
		return fmt.Errorf("settlement: inactivity deadline for case %d not reached: %w", caseID, fault.ErrState)
	}

	if c.IsRefundable {
		return tx.Commit(ctx)
	}
	if err := t.store.SetCaseRefundable(ctx, tx, caseID); err != nil {
		return err
	}

	signal := map[string]any{"case_id": caseID, "reason": "case_timeout"}
	if err := t.store.AppendEvent(ctx, tx, caseID, casefile.TopicTimeoutTriggered, nil, signal); err != nil {
		return err
	}
	if err := t.store.EnqueueOutbox(ctx, tx, casefile.TopicTimeoutTriggered, signal); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit case timeout: %w", err)
	}

	slog.Warn("case timed out", "case_id", caseID)
	return nil
}

// RequestRefund lets a party reclaim standing on a refundable case. Refund
// and payment share the settled-my-obligation bit, so a refunded party can
// never pay (or refund) again.
func (t *Tracker) RequestRefund(ctx context.Context, actor auth.Actor, caseID int64) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := t.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsRefundable {
		return fmt.Errorf("settlement: case %d is not refundable: %w", caseID, fault.ErrState)
	}

	alloc, err := t.store.GetAllocationTx(ctx, tx, caseID, actor.UserID)
	if err != nil {
		return err
	}
	if alloc.Paid {
		return fmt.Errorf("settlement: party %s already settled obligation on case %d: %w", actor.UserID, caseID, fault.ErrState)
	}
	if flipped, err := t.store.MarkAllocationPaid(ctx, tx, caseID, actor.UserID); err != nil {
		return err
	} else if !flipped {
		return fmt.Errorf("settlement: party %s already settled obligation on case %d: %w", actor.UserID, caseID, fault.ErrState)
	}

	signal := map[string]any{"case_id": caseID, "party_id": actor.UserID}
	if err := t.store.AppendEvent(ctx, tx, caseID, casefile.TopicRefundIssued, &actor.UserID, signal); err != nil {
		return err
	}
	if err := t.store.EnqueueOutbox(ctx, tx, casefile.TopicRefundIssued, signal); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit refund: %w", err)
	}

	slog.Info("refund issued", "case_id", caseID, "party_id", actor.UserID)
	return nil
}

// RefundStatus is the read projection of the refund fallback for one case.
type RefundStatus struct {
	Refundable bool
	// Settled reports whether the querying party already settled its
	// obligation (paid or refunded; the ledger does not distinguish).
	Settled bool
}

// GetRefundStatus reports whether the case is refundable and whether the
// given party already claimed.
func (t *Tracker) GetRefundStatus(ctx context.Context, caseID int64, partyID string) (RefundStatus, error) {
	c, err := t.store.GetCase(ctx, caseID)
	if err != nil {
		return RefundStatus{}, err
	}
	st := RefundStatus{Refundable: c.IsRefundable}
	if partyID != "" {
		alloc, err := t.store.GetAllocation(ctx, caseID, partyID)
		if err == nil {
			st.Settled = alloc.Paid
		}
	}
	return st, nil
}

// settleLocked performs the settle transition. The caller holds the case row
// lock and commits the surrounding transaction.
func (t *Tracker) settleLocked(ctx context.Context, tx pgx.Tx, caseID int64, actorID *string, reason string) error {
	settledAt, err := t.store.SettleCase(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if err := t.store.BumpStats(ctx, tx, 0, -1, 1); err != nil {
		return err
	}

	signal := map[string]any{"case_id": caseID, "settled_at": settledAt.UTC(), "reason": reason}
	if err := t.store.AppendEvent(ctx, tx, caseID, casefile.TopicCaseSettled, actorID, signal); err != nil {
		return err
	}
	return t.store.EnqueueOutbox(ctx, tx, casefile.TopicCaseSettled, signal)
}
