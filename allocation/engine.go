// Package allocation computes the obfuscated adjusted fee and the per-party
// confidential splits. All arithmetic happens on ciphertext handles; division
// is avoided entirely because the confidential backend cannot perform it
// safely, so the factors are fixed-point multiplications.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"feeledger/auth"
	"feeledger/casefile"
	"feeledger/confidential"
	"feeledger/fault"
)

// Fixed-point factor weights: complexity*100 approximates
// (complexity/10)*1000 and timeSpent*13 approximates (timeSpent/40)*500.
const (
	complexityWeight = 100
	timeWeight       = 13
)

// Ledger is the slice of the case store the engine needs.
type Ledger interface {
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, caseID int64) (casefile.Case, error)
	ListAllocationsTx(ctx context.Context, tx pgx.Tx, caseID int64) ([]casefile.PartyAllocation, error)
	UpdateAllocationComputed(ctx context.Context, tx pgx.Tx, caseID int64, partyID string, encAmount, encRatio confidential.Value) error
	UpsertFeeCalculation(ctx context.Context, tx pgx.Tx, fc casefile.FeeCalculation) error
	AppendEvent(ctx context.Context, tx pgx.Tx, caseID int64, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine produces fee calculations. Recomputing while the case is active
// overwrites the prior snapshot and detaches any in-flight decryption request
// from it.
type Engine struct {
	pool  casefile.TxBeginner
	store Ledger
	enc   confidential.Provider
}

func NewEngine(pool casefile.TxBeginner, store Ledger, enc confidential.Provider) *Engine {
	return &Engine{pool: pool, store: store, enc: enc}
}

// Calculate builds the obfuscated adjusted fee and splits it across the
// roster proportionally to each party's confidential responsibility share.
//
// The split stores adjustedFee*share without scaling the percentage down;
// consumers divide by 100 at disclosure time, keeping the ciphertext math
// free of division.
func (e *Engine) Calculate(ctx context.Context, actor auth.Actor, caseID int64) (casefile.FeeCalculation, error) {
	if !actor.IsAdmin() {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: calculate is admin-only: %w", fault.ErrAuthorization)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := e.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return casefile.FeeCalculation{}, err
	}
	if !c.IsActive {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: case %d is not active: %w", caseID, fault.ErrState)
	}

	noise := noiseScalar(caseID, actor.UserID, time.Now())

	complexityFactor, err := e.enc.MulScalar(c.EncComplexity, complexityWeight)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: complexity factor: %w", err)
	}
	timeFactor, err := e.enc.MulScalar(c.EncTimeSpent, timeWeight)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: time factor: %w", err)
	}
	noisyComplexity, err := e.enc.AddScalar(complexityFactor, noise)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: obfuscate complexity: %w", err)
	}
	noisyTime, err := e.enc.AddScalar(timeFactor, noise)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: obfuscate time: %w", err)
	}

	adjusted, err := e.enc.Add(c.EncBaseFee, noisyComplexity)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: sum base and complexity: %w", err)
	}
	adjusted, err = e.enc.Add(adjusted, noisyTime)
	if err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: sum time: %w", err)
	}

	allocations, err := e.store.ListAllocationsTx(ctx, tx, caseID)
	if err != nil {
		return casefile.FeeCalculation{}, err
	}
	for _, alloc := range allocations {
		share := alloc.EncShare
		if share.Zero() {
			// Responsibility was never distributed to this party; its
			// allocation stays a confidential zero.
			share, err = e.enc.Encrypt(0)
			if err != nil {
				return casefile.FeeCalculation{}, fmt.Errorf("allocation: zero share: %w", err)
			}
		}
		amount, err := e.enc.Mul(adjusted, share)
		if err != nil {
			return casefile.FeeCalculation{}, fmt.Errorf("allocation: split for %s: %w", alloc.PartyID, err)
		}
		if err := e.store.UpdateAllocationComputed(ctx, tx, caseID, alloc.PartyID, amount, share); err != nil {
			return casefile.FeeCalculation{}, err
		}
		for _, handle := range []confidential.Value{amount, share} {
			if err := e.enc.GrantView(handle, alloc.PartyID); err != nil {
				return casefile.FeeCalculation{}, fmt.Errorf("allocation: grant party view: %w", err)
			}
		}
	}

	fc := casefile.FeeCalculation{
		CaseID:              caseID,
		EncBaseFactor:       c.EncBaseFee,
		EncComplexityFactor: noisyComplexity,
		EncTimeFactor:       noisyTime,
		EncAdjusted:         adjusted,
		Calculated:          true,
	}
	if err := e.store.UpsertFeeCalculation(ctx, tx, fc); err != nil {
		return casefile.FeeCalculation{}, err
	}

	// The ledger itself gets disclosure over the aggregate for the reveal step.
	for _, principal := range []string{casefile.ServicePrincipal, casefile.CasePrincipal(caseID)} {
		if err := e.enc.GrantView(adjusted, principal); err != nil {
			return casefile.FeeCalculation{}, fmt.Errorf("allocation: grant aggregate view: %w", err)
		}
	}

	calcSignal := map[string]any{"case_id": caseID}
	if err := e.store.AppendEvent(ctx, tx, caseID, casefile.TopicFeeCalculated, &actor.UserID, calcSignal); err != nil {
		return casefile.FeeCalculation{}, err
	}
	if err := e.store.EnqueueOutbox(ctx, tx, casefile.TopicFeeCalculated, calcSignal); err != nil {
		return casefile.FeeCalculation{}, err
	}
	allocSignal := map[string]any{"case_id": caseID, "party_count": len(allocations)}
	if err := e.store.AppendEvent(ctx, tx, caseID, casefile.TopicAllocationUpdated, &actor.UserID, allocSignal); err != nil {
		return casefile.FeeCalculation{}, err
	}
	if err := e.store.EnqueueOutbox(ctx, tx, casefile.TopicAllocationUpdated, allocSignal); err != nil {
		return casefile.FeeCalculation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return casefile.FeeCalculation{}, fmt.Errorf("allocation: commit: %w", err)
	}

	slog.Info("fee calculated", "case_id", caseID, "parties", len(allocations))
	return fc, nil
}
