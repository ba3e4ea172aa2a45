package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feeledger/confidential"
	"feeledger/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository owns every table of the fee ledger. Mutating methods run on the
// caller's transaction; the caller is expected to have locked the case row via
// GetCaseForUpdate first so all per-case mutations serialize.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertCaseParams enumerates the creation inputs persisted in one insert.
type InsertCaseParams struct {
	Description   string
	Parties       []string
	EncBaseFee    confidential.Value
	EncComplexity confidential.Value
	EncTimeSpent  confidential.Value
	// Allocations seeds one row per roster party with zeroed confidential
	// fields, in roster order.
	Allocations []AllocationSeed
}

// AllocationSeed is the zero-initialized confidential state of one party.
type AllocationSeed struct {
	PartyID   string
	EncShare  confidential.Value
	EncAmount confidential.Value
	EncRatio  confidential.Value
}

// InsertCase creates the case row plus one roster row and one zeroed
// allocation per party. The content hash is set afterwards because it covers
// the assigned id and creation timestamp.
func (r *Repository) InsertCase(ctx context.Context, tx pgx.Tx, params InsertCaseParams) (Case, error) {
	const insertSQL = `
INSERT INTO cases (description, enc_base_fee, enc_complexity, enc_time_spent)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at
`
	c := Case{
		Description:   params.Description,
		Parties:       params.Parties,
		EncBaseFee:    params.EncBaseFee,
		EncComplexity: params.EncComplexity,
		EncTimeSpent:  params.EncTimeSpent,
		IsActive:      true,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.Description,
		params.EncBaseFee,
		params.EncComplexity,
		params.EncTimeSpent,
	).Scan(&c.ID, &c.CreatedAt); err != nil {
		return Case{}, fmt.Errorf("casefile: insert case: %w", err)
	}

	for _, party := range params.Parties {
		if _, err := tx.Exec(ctx, `INSERT INTO case_parties (case_id, party_id) VALUES ($1, $2)`, c.ID, party); err != nil {
			return Case{}, fmt.Errorf("casefile: insert party: %w", err)
		}
	}
	for _, seed := range params.Allocations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO party_allocations (case_id, party_id, enc_share, enc_amount, enc_ratio) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, seed.PartyID, seed.EncShare, seed.EncAmount, seed.EncRatio); err != nil {
			return Case{}, fmt.Errorf("casefile: insert allocation: %w", err)
		}
	}

	return c, nil
}

func (r *Repository) SetCaseHash(ctx context.Context, tx pgx.Tx, caseID int64, hash string) error {
	if _, err := tx.Exec(ctx, `UPDATE cases SET case_hash = $2 WHERE id = $1`, caseID, hash); err != nil {
		return fmt.Errorf("casefile: set case hash: %w", err)
	}
	return nil
}

// GetCaseForUpdate locks the case row for the rest of the transaction. Every
// mutating flow starts here; the row lock is what serializes per-case writes.
func (r *Repository) GetCaseForUpdate(ctx context.Context, tx pgx.Tx, caseID int64) (Case, error) {
	const query = `
SELECT id, description, enc_base_fee, enc_complexity, enc_time_spent,
       is_active, is_settled, is_refundable, created_at, settled_at, COALESCE(case_hash, '')
FROM cases
WHERE id = $1
FOR UPDATE
`
	var c Case
	err := tx.QueryRow(ctx, query, caseID).Scan(
		&c.ID, &c.Description, &c.EncBaseFee, &c.EncComplexity, &c.EncTimeSpent,
		&c.IsActive, &c.IsSettled, &c.IsRefundable, &c.CreatedAt, &c.SettledAt, &c.Hash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
		}
		return Case{}, fmt.Errorf("casefile: lock case: %w", err)
	}

	c.Parties, err = listParties(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	return c, nil
}

func (r *Repository) UpdateCaseTime(ctx context.Context, tx pgx.Tx, caseID int64, enc confidential.Value) error {
	if _, err := tx.Exec(ctx, `UPDATE cases SET enc_time_spent = $2 WHERE id = $1`, caseID, enc); err != nil {
		return fmt.Errorf("casefile: update time: %w", err)
	}
	return nil
}

func (r *Repository) SetCaseRefundable(ctx context.Context, tx pgx.Tx, caseID int64) error {
	if _, err := tx.Exec(ctx, `UPDATE cases SET is_refundable = TRUE WHERE id = $1`, caseID); err != nil {
		return fmt.Errorf("casefile: set refundable: %w", err)
	}
	return nil
}

// SettleCase flips the case to settled and returns the settlement timestamp.
func (r *Repository) SettleCase(ctx context.Context, tx pgx.Tx, caseID int64) (time.Time, error) {
	const query = `
UPDATE cases
SET is_active = FALSE, is_settled = TRUE, settled_at = now()
WHERE id = $1
RETURNING settled_at
`
	var settledAt time.Time
	if err := tx.QueryRow(ctx, query, caseID).Scan(&settledAt); err != nil {
		return time.Time{}, fmt.Errorf("casefile: settle case: %w", err)
	}
	return settledAt, nil
}

func (r *Repository) GetAllocationTx(ctx context.Context, tx pgx.Tx, caseID int64, partyID string) (PartyAllocation, error) {
	const query = `
SELECT case_id, party_id, COALESCE(enc_share, ''), COALESCE(enc_amount, ''), COALESCE(enc_ratio, ''), paid, paid_at
FROM party_allocations
WHERE case_id = $1 AND party_id = $2
`
	var a PartyAllocation
	err := tx.QueryRow(ctx, query, caseID, partyID).Scan(
		&a.CaseID, &a.PartyID, &a.EncShare, &a.EncAmount, &a.EncRatio, &a.Paid, &a.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyAllocation{}, fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrAuthorization)
		}
		return PartyAllocation{}, fmt.Errorf("casefile: get allocation: %w", err)
	}
	return a, nil
}

// ListAllocationsTx returns every allocation of the case inside the current
// transaction, roster order.
func (r *Repository) ListAllocationsTx(ctx context.Context, tx pgx.Tx, caseID int64) ([]PartyAllocation, error) {
	rows, err := tx.Query(ctx, `
SELECT case_id, party_id, COALESCE(enc_share, ''), COALESCE(enc_amount, ''), COALESCE(enc_ratio, ''), paid, paid_at
FROM party_allocations
WHERE case_id = $1
ORDER BY party_id
`, caseID)
	if err != nil {
		return nil, fmt.Errorf("casefile: list allocations: %w", err)
	}
	defer rows.Close()

	out := make([]PartyAllocation, 0, 4)
	for rows.Next() {
		var a PartyAllocation
		if err := rows.Scan(&a.CaseID, &a.PartyID, &a.EncShare, &a.EncAmount, &a.EncRatio, &a.Paid, &a.PaidAt); err != nil {
			return nil, fmt.Errorf("casefile: scan allocation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate allocations: %w", err)
	}
	return out, nil
}

func (r *Repository) UpdateAllocationShare(ctx context.Context, tx pgx.Tx, caseID int64, partyID string, encShare confidential.Value) error {
	tag, err := tx.Exec(ctx,
		`UPDATE party_allocations SET enc_share = $3 WHERE case_id = $1 AND party_id = $2`,
		caseID, partyID, encShare)
	if err != nil {
		return fmt.Errorf("casefile: update share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrAuthorization)
	}
	return nil
}

func (r *Repository) UpdateAllocationComputed(ctx context.Context, tx pgx.Tx, caseID int64, partyID string, encAmount, encRatio confidential.Value) error {
	if _, err := tx.Exec(ctx,
		`UPDATE party_allocations SET enc_amount = $3, enc_ratio = $4 WHERE case_id = $1 AND party_id = $2`,
		caseID, partyID, encAmount, encRatio); err != nil {
		return fmt.Errorf("casefile: update computed allocation: %w", err)
	}
	return nil
}

// MarkAllocationPaid sets the monotonic paid bit. The guard in SQL keeps the
// flip idempotent-proof: an already-paid row affects zero rows.
func (r *Repository) MarkAllocationPaid(ctx context.Context, tx pgx.Tx, caseID int64, partyID string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE party_allocations SET paid = TRUE, paid_at = now() WHERE case_id = $1 AND party_id = $2 AND NOT paid`,
		caseID, partyID)
	if err != nil {
		return false, fmt.Errorf("casefile: mark paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) CountUnpaid(ctx context.Context, tx pgx.Tx, caseID int64) (int, error) {
	var n int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM party_allocations WHERE case_id = $1 AND NOT paid`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("casefile: count unpaid: %w", err)
	}
	return n, nil
}

// UpsertFeeCalculation overwrites the case's fee snapshot. Recalculation
// clears any in-flight request id so stale callbacks cannot attach to the new
// snapshot.
func (r *Repository) UpsertFeeCalculation(ctx context.Context, tx pgx.Tx, fc FeeCalculation) error {
	const query = `
INSERT INTO fee_calculations (case_id, enc_base_factor, enc_complexity_factor, enc_time_factor, enc_adjusted, is_calculated, request_id, requested_at, revealed_amount, is_revealed)
VALUES ($1, $2, $3, $4, $5, TRUE, NULL, NULL, 0, FALSE)
ON CONFLICT (case_id) DO UPDATE SET
    enc_base_factor = EXCLUDED.enc_base_factor,
    enc_complexity_factor = EXCLUDED.enc_complexity_factor,
    enc_time_factor = EXCLUDED.enc_time_factor,
    enc_adjusted = EXCLUDED.enc_adjusted,
    is_calculated = TRUE,
    request_id = NULL,
    requested_at = NULL,
    revealed_amount = 0,
    is_revealed = FALSE
`
	if _, err := tx.Exec(ctx, query,
		fc.CaseID, fc.EncBaseFactor, fc.EncComplexityFactor, fc.EncTimeFactor, fc.EncAdjusted); err != nil {
		return fmt.Errorf("casefile: upsert fee calculation: %w", err)
	}
	return nil
}

func (r *Repository) GetFeeCalculationTx(ctx context.Context, tx pgx.Tx, caseID int64) (FeeCalculation, error) {
	fc, err := scanFeeCalculation(tx.QueryRow(ctx, feeCalculationSQL, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeeCalculation{}, fmt.Errorf("casefile: fee for case %d not calculated: %w", caseID, fault.ErrState)
		}
		return FeeCalculation{}, err
	}
	return fc, nil
}

func (r *Repository) SetFeeRequested(ctx context.Context, tx pgx.Tx, caseID int64, requestID string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE fee_calculations SET request_id = $2, requested_at = now() WHERE case_id = $1`,
		caseID, requestID); err != nil {
		return fmt.Errorf("casefile: set fee requested: %w", err)
	}
	return nil
}

func (r *Repository) SetFeeRevealed(ctx context.Context, tx pgx.Tx, caseID int64, amount int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE fee_calculations SET revealed_amount = $2, is_revealed = TRUE WHERE case_id = $1`,
		caseID, amount); err != nil {
		return fmt.Errorf("casefile: set fee revealed: %w", err)
	}
	return nil
}

func (r *Repository) InsertDecryptionRequest(ctx context.Context, tx pgx.Tx, requestID string, caseID int64) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO decryption_requests (request_id, case_id) VALUES ($1, $2)`,
		requestID, caseID); err != nil {
		return fmt.Errorf("casefile: insert decryption request: %w", err)
	}
	return nil
}

func (r *Repository) GetDecryptionRequestTx(ctx context.Context, tx pgx.Tx, requestID string) (DecryptionRequest, error) {
	const query = `
SELECT request_id, case_id, requested_at, processed, processed_at
FROM decryption_requests
WHERE request_id = $1
FOR UPDATE
`
	var dr DecryptionRequest
	err := tx.QueryRow(ctx, query, requestID).Scan(&dr.RequestID, &dr.CaseID, &dr.RequestedAt, &dr.Processed, &dr.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DecryptionRequest{}, fmt.Errorf("casefile: unknown decryption request %s: %w", requestID, fault.ErrProtocol)
		}
		return DecryptionRequest{}, fmt.Errorf("casefile: get decryption request: %w", err)
	}
	return dr, nil
}

// MarkRequestProcessed flips the processed flag exactly once. A replayed id
// affects zero rows and reports false, leaving all other state untouched.
func (r *Repository) MarkRequestProcessed(ctx context.Context, tx pgx.Tx, requestID string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE decryption_requests SET processed = TRUE, processed_at = now() WHERE request_id = $1 AND NOT processed`,
		requestID)
	if err != nil {
		return false, fmt.Errorf("casefile: mark request processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent records an immutable timeline entry for the case.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, caseID int64, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("casefile: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO timeline_events (case_id, type, actor_id, payload) VALUES ($1, $2, $3, $4::jsonb)`,
		caseID, eventType, actorID, body); err != nil {
		return fmt.Errorf("casefile: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes the external signal inside the same transaction as the
// state change it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("casefile: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`,
		topic, body); err != nil {
		return fmt.Errorf("casefile: insert outbox message: %w", err)
	}
	return nil
}

// BumpStats adjusts the singleton counter row. Only case-creation and
// settlement transactions call this.
func (r *Repository) BumpStats(ctx context.Context, tx pgx.Tx, dTotal, dActive, dSettled int) error {
	if _, err := tx.Exec(ctx, `
UPDATE system_stats
SET total_cases = total_cases + $1,
    active_cases = active_cases + $2,
    settled_cases = settled_cases + $3
WHERE id = 1
`, dTotal, dActive, dSettled); err != nil {
		return fmt.Errorf("casefile: bump stats: %w", err)
	}
	return nil
}

// --- read-only surface (no transaction, no ciphertext leaks beyond owner scope) ---

func (r *Repository) GetCase(ctx context.Context, caseID int64) (Case, error) {
	const query = `
SELECT id, description, is_active, is_settled, is_refundable, created_at, settled_at, COALESCE(case_hash, '')
FROM cases
WHERE id = $1
`
	var c Case
	err := r.pool.QueryRow(ctx, query, caseID).Scan(
		&c.ID, &c.Description, &c.IsActive, &c.IsSettled, &c.IsRefundable, &c.CreatedAt, &c.SettledAt, &c.Hash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
		}
		return Case{}, fmt.Errorf("casefile: get case: %w", err)
	}

	c.Parties, err = listParties(ctx, r.pool, caseID)
	if err != nil {
		return Case{}, err
	}
	return c, nil
}

func (r *Repository) GetAllocation(ctx context.Context, caseID int64, partyID string) (PartyAllocation, error) {
	const query = `
SELECT case_id, party_id, COALESCE(enc_share, ''), COALESCE(enc_amount, ''), COALESCE(enc_ratio, ''), paid, paid_at
FROM party_allocations
WHERE case_id = $1 AND party_id = $2
`
	var a PartyAllocation
	err := r.pool.QueryRow(ctx, query, caseID, partyID).Scan(
		&a.CaseID, &a.PartyID, &a.EncShare, &a.EncAmount, &a.EncRatio, &a.Paid, &a.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyAllocation{}, fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrState)
		}
		return PartyAllocation{}, fmt.Errorf("casefile: get allocation: %w", err)
	}
	return a, nil
}

func (r *Repository) GetFeeCalculation(ctx context.Context, caseID int64) (FeeCalculation, error) {
	fc, err := scanFeeCalculation(r.pool.QueryRow(ctx, feeCalculationSQL, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeeCalculation{}, fmt.Errorf("casefile: fee for case %d not calculated: %w", caseID, fault.ErrState)
		}
		return FeeCalculation{}, err
	}
	return fc, nil
}

// ListCasesForParty returns the ids of cases the party appears on, newest first.
func (r *Repository) ListCasesForParty(ctx context.Context, partyID string) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT case_id FROM case_parties WHERE party_id = $1 ORDER BY case_id DESC`, partyID)
	if err != nil {
		return nil, fmt.Errorf("casefile: list cases for party: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 8)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("casefile: scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate case ids: %w", err)
	}
	return ids, nil
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := r.pool.QueryRow(ctx,
		`SELECT total_cases, active_cases, settled_cases FROM system_stats WHERE id = 1`).
		Scan(&s.TotalCases, &s.ActiveCases, &s.SettledCases); err != nil {
		return Stats{}, fmt.Errorf("casefile: stats: %w", err)
	}
	return s, nil
}

const feeCalculationSQL = `
SELECT case_id, enc_base_factor, enc_complexity_factor, enc_time_factor, enc_adjusted,
       is_calculated, request_id::text, requested_at, revealed_amount, is_revealed
FROM fee_calculations
WHERE case_id = $1
`

func scanFeeCalculation(row pgx.Row) (FeeCalculation, error) {
	var fc FeeCalculation
	err := row.Scan(
		&fc.CaseID, &fc.EncBaseFactor, &fc.EncComplexityFactor, &fc.EncTimeFactor, &fc.EncAdjusted,
		&fc.Calculated, &fc.RequestID, &fc.RequestedAt, &fc.RevealedAmount, &fc.Revealed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeeCalculation{}, err
		}
		return FeeCalculation{}, fmt.Errorf("casefile: scan fee calculation: %w", err)
	}
	return fc, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listParties(ctx context.Context, q querier, caseID int64) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT party_id::text FROM case_parties WHERE case_id = $1 ORDER BY party_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("casefile: list parties: %w", err)
	}
	defer rows.Close()

	parties := make([]string, 0, 4)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("casefile: scan party: %w", err)
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate parties: %w", err)
	}
	return parties, nil
}
