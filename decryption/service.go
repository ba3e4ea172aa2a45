// Package decryption runs the request/callback protocol that turns one
// confidential aggregate into a disclosed scalar. The callback is treated as
// an inbound client request from an untrusted transport: proof first, replay
// guard second, state change last, all inside one transaction.
package decryption

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

// Ledger is the slice of the case store the protocol needs.
type Ledger interface {
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, caseID int64) (casefile.Case, error)
	GetFeeCalculationTx(ctx context.Context, tx pgx.Tx, caseID int64) (casefile.FeeCalculation, error)
	InsertDecryptionRequest(ctx context.Context, tx pgx.Tx, requestID string, caseID int64) error
	SetFeeRequested(ctx context.Context, tx pgx.Tx, caseID int64, requestID string) error
	GetDecryptionRequestTx(ctx context.Context, tx pgx.Tx, requestID string) (casefile.DecryptionRequest, error)
	MarkRequestProcessed(ctx context.Context, tx pgx.Tx, requestID string) (bool, error)
	SetFeeRevealed(ctx context.Context, tx pgx.Tx, caseID int64, amount int64) error
	AppendEvent(ctx context.Context, tx pgx.Tx, caseID int64, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error

	GetFeeCalculation(ctx context.Context, caseID int64) (casefile.FeeCalculation, error)
}

// Config tunes protocol behavior.
type Config struct {
	// ProofSecret is shared with the oracle and verifies callback proofs.
	ProofSecret []byte
	// AcceptLateCallbacks keeps a valid callback acceptable after the case
	// turned refundable. Late reveals are moot for refunded parties but not
	// incorrect; set false to hard-invalidate them instead.
	AcceptLateCallbacks bool
}

// Service drives Uncalculated -> Calculated -> Requested -> Revealed.
type Service struct {
	pool   casefile.TxBeginner
	store  Ledger
	oracle OracleClient
	cfg    Config
}

func NewService(pool casefile.TxBeginner, store Ledger, oracle OracleClient, cfg Config) *Service {
	return &Service{pool: pool, store: store, oracle: oracle, cfg: cfg}
}

// RequestReveal submits the adjusted-fee handle to the oracle and records the
// issued request id. Requires a calculated, not-yet-requested snapshot.
func (s *Service) RequestReveal(ctx context.Context, actor auth.Actor, caseID int64) (string, error) {
	if !actor.IsAdmin() {
		return "", fmt.Errorf("decryption: request reveal is admin-only: %w", fault.ErrAuthorization)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("decryption: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.GetCaseForUpdate(ctx, tx, caseID); err != nil {
		return "", err
	}
	fc, err := s.store.GetFeeCalculationTx(ctx, tx, caseID)
	if err != nil {
		return "", err
	}
	if !fc.Calculated {
		return "", fmt.Errorf("decryption: case %d has no fee calculation: %w", caseID, fault.ErrState)
	}
	if fc.Revealed {
		return "", fmt.Errorf("decryption: case %d already revealed: %w", caseID, fault.ErrState)
	}
	if fc.RequestID != nil {
		return "", fmt.Errorf("decryption: case %d already has request %s in flight: %w", caseID, *fc.RequestID, fault.ErrState)
	}

	// The submission happens before commit; if the commit fails afterwards
	// the oracle's eventual callback hits an unknown request id and is
	// rejected, which is safe.
	requestID, err := s.oracle.Submit(ctx, fc.EncAdjusted)
	if err != nil {
		return "", fmt.Errorf("decryption: submit aggregate: %w", err)
	}

	if err := s.store.InsertDecryptionRequest(ctx, tx, requestID, caseID); err != nil {
		return "", err
	}
	if err := s.store.SetFeeRequested(ctx, tx, caseID, requestID); err != nil {
		return "", err
	}

	signal := map[string]any{"case_id": caseID, "request_id": requestID}
	if err := s.store.AppendEvent(ctx, tx, caseID, casefile.TopicDecryptionRequested, &actor.UserID, signal); err != nil {
		return "", err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, casefile.TopicDecryptionRequested, signal); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("decryption: commit request: %w", err)
	}

	slog.Info("decryption requested", "case_id", caseID, "request_id", requestID)
	return requestID, nil
}

// HandleCallback is the oracle's inbound disclosure. It verifies the proof
// before touching any state, resolves and locks the request id, enforces
// exactly-once processing, and stores the disclosed amount. A failed callback
// leaves no partial state behind.
func (s *Service) HandleCallback(ctx context.Context, requestID string, amount int64, proof string) error {
	if err := verifyProof(s.cfg.ProofSecret, proof, requestID, amount); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decryption: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.store.GetDecryptionRequestTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	c, err := s.store.GetCaseForUpdate(ctx, tx, req.CaseID)
	if err != nil {
		return err
	}
	if req.Processed {
		return fmt.Errorf("decryption: request %s already processed: %w", requestID, fault.ErrProtocol)
	}
	if c.IsRefundable && !s.cfg.AcceptLateCallbacks {
		return fmt.Errorf("decryption: case %d timed out, late callbacks disabled: %w", req.CaseID, fault.ErrState)
	}

	fc, err := s.store.GetFeeCalculationTx(ctx, tx, req.CaseID)
	if err != nil {
		return err
	}
	if fc.RequestID == nil || *fc.RequestID != requestID {
		// The snapshot was recalculated after this request went out; the
		// disclosure belongs to a stale aggregate.
		return fmt.Errorf("decryption: request %s is stale for case %d: %w", requestID, req.CaseID, fault.ErrProtocol)
	}

	flipped, err := s.store.MarkRequestProcessed(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if !flipped {
		return fmt.Errorf("decryption: request %s already processed: %w", requestID, fault.ErrProtocol)
	}
	if err := s.store.SetFeeRevealed(ctx, tx, req.CaseID, amount); err != nil {
		return err
	}

	signal := map[string]any{"case_id": req.CaseID, "request_id": requestID, "amount": amount}
	if err := s.store.AppendEvent(ctx, tx, req.CaseID, casefile.TopicDecryptionCompleted, nil, signal); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, casefile.TopicDecryptionCompleted, signal); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decryption: commit callback: %w", err)
	}

	slog.Info("fee revealed", "case_id", req.CaseID, "request_id", requestID)
	return nil
}

// Status is the read projection of the protocol state for one case.
type Status struct {
	Calculated  bool
	Requested   bool
	RequestID   string
	RequestedAt *time.Time
	Revealed    bool
}

// GetStatus reports where the case sits in the protocol state machine.
func (s *Service) GetStatus(ctx context.Context, caseID int64) (Status, error) {
	fc, err := s.store.GetFeeCalculation(ctx, caseID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Calculated:  fc.Calculated,
		Revealed:    fc.Revealed,
		RequestedAt: fc.RequestedAt,
	}
	if fc.RequestID != nil {
		st.Requested = true
		st.RequestID = *fc.RequestID
	}
	return st, nil
}

// RevealedFee is the disclosed aggregate; Amount stays zero until Revealed.
type RevealedFee struct {
	Amount   int64
	Revealed bool
}

// GetRevealedFee returns the disclosed scalar, if any.
func (s *Service) GetRevealedFee(ctx context.Context, caseID int64) (RevealedFee, error) {
	fc, err := s.store.GetFeeCalculation(ctx, caseID)
	if err != nil {
		return RevealedFee{}, err
	}
	return RevealedFee{Amount: fc.RevealedAmount, Revealed: fc.Revealed}, nil
}
