package casefile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"feeledger/auth"
	"feeledger/confidential"
	"feeledger/fault"
)

// Roster and input bounds enforced before anything is encrypted or written.
const (
	MinParties    = 2
	MaxParties    = 20
	MinComplexity = 1
	MaxComplexity = 100
	MinHours      = 1
	MaxHours      = 1000
	MinShare      = 1
	MaxShare      = 100
)

// ServicePrincipal is the grant principal representing the ledger itself. The
// aggregate fee is disclosed to it so the reveal step can hand the handle to
// the oracle.
const ServicePrincipal = "feeledger:service"

// CasePrincipal names the case-scoped grant principal.
func CasePrincipal(caseID int64) string {
	return fmt.Sprintf("case:%d", caseID)
}

// Store is the ledger access the case service needs. *Repository satisfies it.
type Store interface {
	InsertCase(ctx context.Context, tx pgx.Tx, params InsertCaseParams) (Case, error)
	SetCaseHash(ctx context.Context, tx pgx.Tx, caseID int64, hash string) error
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, caseID int64) (Case, error)
	UpdateCaseTime(ctx context.Context, tx pgx.Tx, caseID int64, enc confidential.Value) error
	UpdateAllocationShare(ctx context.Context, tx pgx.Tx, caseID int64, partyID string, encShare confidential.Value) error
	AppendEvent(ctx context.Context, tx pgx.Tx, caseID int64, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	BumpStats(ctx context.Context, tx pgx.Tx, dTotal, dActive, dSettled int) error

	GetCase(ctx context.Context, caseID int64) (Case, error)
	GetAllocation(ctx context.Context, caseID int64, partyID string) (PartyAllocation, error)
	ListCasesForParty(ctx context.Context, partyID string) ([]int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Service owns the case lifecycle: creation, complexity inputs, and the
// structural query surface. Fee math and settlement live in their own
// services on top of the same store.
type Service struct {
	pool TxBeginner
	store Store
	enc  confidential.Provider
}

func NewService(pool TxBeginner, store Store, enc confidential.Provider) *Service {
	return &Service{pool: pool, store: store, enc: enc}
}

// CreateCaseParams carries the plaintext creation inputs. Fee and complexity
// are validated against their plaintext bounds here, then encrypted; only the
// handles are stored.
type CreateCaseParams struct {
	Description string
	Parties     []string
	BaseFee     uint64
	Complexity  uint64
}

// CreateCase validates the roster and bounds, encrypts the confidential
// fields, and persists the case plus one zeroed allocation per party in a
// single transaction.
func (s *Service) CreateCase(ctx context.Context, actor auth.Actor, params CreateCaseParams) (Case, error) {
	if !actor.IsAdmin() {
		return Case{}, fmt.Errorf("casefile: create case is admin-only: %w", fault.ErrAuthorization)
	}
	if n := len(params.Parties); n < MinParties || n > MaxParties {
		return Case{}, fmt.Errorf("casefile: party count %d outside [%d,%d]: %w", n, MinParties, MaxParties, fault.ErrValidation)
	}
	seen := make(map[string]struct{}, len(params.Parties))
	for _, p := range params.Parties {
		if strings.TrimSpace(p) == "" {
			return Case{}, fmt.Errorf("casefile: empty party id: %w", fault.ErrValidation)
		}
		if _, dup := seen[p]; dup {
			return Case{}, fmt.Errorf("casefile: duplicate party %s: %w", p, fault.ErrValidation)
		}
		seen[p] = struct{}{}
	}
	if params.BaseFee == 0 {
		return Case{}, fmt.Errorf("casefile: base fee must be positive: %w", fault.ErrValidation)
	}
	if params.Complexity < MinComplexity || params.Complexity > MaxComplexity {
		return Case{}, fmt.Errorf("casefile: complexity %d outside [%d,%d]: %w", params.Complexity, MinComplexity, MaxComplexity, fault.ErrValidation)
	}

	encFee, err := s.enc.Encrypt(params.BaseFee)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: encrypt base fee: %w", err)
	}
	encComplexity, err := s.enc.Encrypt(params.Complexity)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: encrypt complexity: %w", err)
	}
	encTime, err := s.enc.Encrypt(0)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: encrypt time: %w", err)
	}

	seeds := make([]AllocationSeed, 0, len(params.Parties))
	for _, party := range params.Parties {
		seed := AllocationSeed{PartyID: party}
		for _, field := range []*confidential.Value{&seed.EncShare, &seed.EncAmount, &seed.EncRatio} {
			zero, err := s.enc.Encrypt(0)
			if err != nil {
				return Case{}, fmt.Errorf("casefile: encrypt zero allocation: %w", err)
			}
			*field = zero
		}
		seeds = append(seeds, seed)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.InsertCase(ctx, tx, InsertCaseParams{
		Description:   params.Description,
		Parties:       params.Parties,
		EncBaseFee:    encFee,
		EncComplexity: encComplexity,
		EncTimeSpent:  encTime,
		Allocations:   seeds,
	})
	if err != nil {
		return Case{}, err
	}

	c.Hash = caseHash(c.ID, params.Parties, params.BaseFee, params.Complexity, params.Description, c.CreatedAt)
	if err := s.store.SetCaseHash(ctx, tx, c.ID, c.Hash); err != nil {
		return Case{}, err
	}
	if err := s.store.BumpStats(ctx, tx, 1, 1, 0); err != nil {
		return Case{}, err
	}

	// Structural facts only: no confidential payloads on the wire.
	signal := map[string]any{
		"case_id":     c.ID,
		"case_hash":   c.Hash,
		"party_count": len(params.Parties),
	}
	if err := s.store.AppendEvent(ctx, tx, c.ID, TopicCaseCreated, &actor.UserID, signal); err != nil {
		return Case{}, err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicCaseCreated, signal); err != nil {
		return Case{}, err
	}

	for _, handle := range []confidential.Value{encFee, encComplexity, encTime} {
		if err := s.enc.GrantView(handle, actor.UserID); err != nil {
			return Case{}, fmt.Errorf("casefile: grant creator view: %w", err)
		}
		if err := s.enc.GrantView(handle, CasePrincipal(c.ID)); err != nil {
			return Case{}, fmt.Errorf("casefile: grant case view: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit create: %w", err)
	}

	slog.Info("case created", "case_id", c.ID, "parties", len(params.Parties))
	return c, nil
}

// UpdateTime accumulates additional hours onto the case's confidential time.
func (s *Service) UpdateTime(ctx context.Context, actor auth.Actor, caseID int64, additionalHours uint64) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("casefile: update time is admin-only: %w", fault.ErrAuthorization)
	}
	if additionalHours < MinHours || additionalHours > MaxHours {
		return fmt.Errorf("casefile: hours %d outside [%d,%d]: %w", additionalHours, MinHours, MaxHours, fault.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("casefile: case %d is not active: %w", caseID, fault.ErrState)
	}

	encHours, err := s.enc.Encrypt(additionalHours)
	if err != nil {
		return fmt.Errorf("casefile: encrypt hours: %w", err)
	}
	newTime, err := s.enc.Add(c.EncTimeSpent, encHours)
	if err != nil {
		return fmt.Errorf("casefile: accumulate time: %w", err)
	}
	if err := s.store.UpdateCaseTime(ctx, tx, caseID, newTime); err != nil {
		return err
	}

	if err := s.enc.GrantView(newTime, actor.UserID); err != nil {
		return fmt.Errorf("casefile: grant time view: %w", err)
	}
	if err := s.enc.GrantView(newTime, CasePrincipal(caseID)); err != nil {
		return fmt.Errorf("casefile: grant case time view: %w", err)
	}

	signal := map[string]any{"case_id": caseID}
	if err := s.store.AppendEvent(ctx, tx, caseID, TopicAllocationUpdated, &actor.UserID, signal); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicAllocationUpdated, signal); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("casefile: commit time update: %w", err)
	}
	return nil
}

// SetResponsibility overwrites one party's confidential responsibility share.
func (s *Service) SetResponsibility(ctx context.Context, actor auth.Actor, caseID int64, partyID string, share uint64) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("casefile: set responsibility is admin-only: %w", fault.ErrAuthorization)
	}
	if share < MinShare || share > MaxShare {
		return fmt.Errorf("casefile: share %d outside [%d,%d]: %w", share, MinShare, MaxShare, fault.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("casefile: case %d is not active: %w", caseID, fault.ErrState)
	}
	if !contains(c.Parties, partyID) {
		return fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrValidation)
	}

	encShare, err := s.enc.Encrypt(share)
	if err != nil {
		return fmt.Errorf("casefile: encrypt share: %w", err)
	}
	if err := s.store.UpdateAllocationShare(ctx, tx, caseID, partyID, encShare); err != nil {
		return err
	}

	for _, principal := range []string{partyID, actor.UserID, CasePrincipal(caseID)} {
		if err := s.enc.GrantView(encShare, principal); err != nil {
			return fmt.Errorf("casefile: grant share view: %w", err)
		}
	}

	signal := map[string]any{"case_id": caseID, "party_id": partyID}
	if err := s.store.AppendEvent(ctx, tx, caseID, TopicResponsibilitySet, &actor.UserID, signal); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicResponsibilitySet, signal); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("casefile: commit responsibility: %w", err)
	}
	return nil
}

// GetCase returns the structural projection of a case. No confidential
// contents travel through this path.
func (s *Service) GetCase(ctx context.Context, caseID int64) (Case, error) {
	return s.store.GetCase(ctx, caseID)
}

// GetParties returns the fixed roster of a case.
func (s *Service) GetParties(ctx context.Context, caseID int64) ([]string, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Parties, nil
}

// GetAllocation returns a party's allocation record. Handles are visible only
// to the party itself or an administrator.
func (s *Service) GetAllocation(ctx context.Context, actor auth.Actor, caseID int64, partyID string) (PartyAllocation, error) {
	if !actor.IsAdmin() && actor.UserID != partyID {
		return PartyAllocation{}, fmt.Errorf("casefile: allocation of %s is not visible to %s: %w", partyID, actor.UserID, fault.ErrAuthorization)
	}
	return s.store.GetAllocation(ctx, caseID, partyID)
}

// ListCasesForParty is the per-party case index. Parties see their own index;
// admins may look up anyone's.
func (s *Service) ListCasesForParty(ctx context.Context, actor auth.Actor, partyID string) ([]int64, error) {
	if !actor.IsAdmin() && actor.UserID != partyID {
		return nil, fmt.Errorf("casefile: case index of %s is not visible to %s: %w", partyID, actor.UserID, fault.ErrAuthorization)
	}
	return s.store.ListCasesForParty(ctx, partyID)
}

// Stats exposes the process-wide counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// caseHash derives the tamper-evidence hash from the immutable creation
// inputs. It is content addressing, not a lookup key.
func caseHash(caseID int64, parties []string, baseFee, complexity uint64, description string, createdAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|%d|%s|%d", caseID, strings.Join(parties, ","), baseFee, complexity, description, createdAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
