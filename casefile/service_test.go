package casefile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"feeledger/auth"
	"feeledger/confidential"
	"feeledger/fault"
)

var (
	adminActor = auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin}
	partyActor = auth.Actor{UserID: "p1", Role: auth.RoleParty}
)

func newTestService(t *testing.T) (*Service, *fakePool, *fakeStore) {
	t.Helper()
	enc, err := confidential.NewEphemeralProvider()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	pool := &fakePool{}
	store := newFakeStore()
	return NewService(pool, store, enc), pool, store
}

func TestCreateCase_Success(t *testing.T) {
	svc, pool, store := newTestService(t)

	c, err := svc.CreateCase(context.Background(), adminActor, CreateCaseParams{
		Description: "probate",
		Parties:     []string{"p1", "p2"},
		BaseFee:     50000,
		Complexity:  50,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if c.ID != 1 {
		t.Fatalf("expected first case id 1, got %d", c.ID)
	}
	if c.Hash == "" {
		t.Fatal("expected hash to be set")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(store.allocations) != 2 {
		t.Fatalf("expected 2 seeded allocations, got %d", len(store.allocations))
	}
	for _, alloc := range store.allocations {
		if alloc.EncShare.Zero() || alloc.EncAmount.Zero() || alloc.EncRatio.Zero() {
			t.Fatalf("expected seeded handles, got %+v", alloc)
		}
	}
	if store.stats.TotalCases != 1 || store.stats.ActiveCases != 1 {
		t.Fatalf("unexpected stats: %+v", store.stats)
	}
	if got := store.eventCount(TopicCaseCreated); got != 1 {
		t.Fatalf("expected 1 creation event, got %d", got)
	}
}

func TestCreateCase_RequiresAdmin(t *testing.T) {
	svc, pool, _ := newTestService(t)

	_, err := svc.CreateCase(context.Background(), partyActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if pool.tx != nil {
		t.Error("expected no transaction for rejected call")
	}
}

func TestCreateCase_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateCaseParams
	}{
		{"too few parties", CreateCaseParams{Parties: []string{"p1"}, BaseFee: 100, Complexity: 10}},
		{"duplicate party", CreateCaseParams{Parties: []string{"p1", "p1"}, BaseFee: 100, Complexity: 10}},
		{"blank party", CreateCaseParams{Parties: []string{"p1", " "}, BaseFee: 100, Complexity: 10}},
		{"zero fee", CreateCaseParams{Parties: []string{"p1", "p2"}, BaseFee: 0, Complexity: 10}},
		{"complexity too high", CreateCaseParams{Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 101}},
		{"complexity zero", CreateCaseParams{Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateCase(ctx, adminActor, tc.params); !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateCase_TooManyParties(t *testing.T) {
	svc, _, _ := newTestService(t)

	parties := make([]string, MaxParties+1)
	for i := range parties {
		parties[i] = fmt.Sprintf("p%d", i)
	}
	_, err := svc.CreateCase(context.Background(), adminActor, CreateCaseParams{
		Parties: parties, BaseFee: 100, Complexity: 10,
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateTime_Accumulates(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCase(ctx, adminActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if err := svc.UpdateTime(ctx, adminActor, c.ID, 40); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := svc.UpdateTime(ctx, adminActor, c.ID, 60); err != nil {
		t.Fatalf("second update: %v", err)
	}

	total, err := svc.enc.(*confidential.LocalProvider).Reveal(store.cases[c.ID].EncTimeSpent)
	if err != nil {
		t.Fatalf("reveal time: %v", err)
	}
	if total != 100 {
		t.Fatalf("expected 100 accumulated hours, got %d", total)
	}
}

func TestUpdateTime_Bounds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCase(ctx, adminActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if err := svc.UpdateTime(ctx, adminActor, c.ID, 0); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for 0 hours, got %v", err)
	}
	if err := svc.UpdateTime(ctx, adminActor, c.ID, MaxHours+1); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error above max, got %v", err)
	}
	if err := svc.UpdateTime(ctx, partyActor, c.ID, 10); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestUpdateTime_InactiveCase(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCase(ctx, adminActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	settled := c
	settled.IsActive = false
	settled.IsSettled = true
	store.cases[c.ID] = settled

	if err := svc.UpdateTime(ctx, adminActor, c.ID, 10); !errors.Is(err, fault.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestSetResponsibility(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCase(ctx, adminActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if err := svc.SetResponsibility(ctx, adminActor, c.ID, "p1", 60); err != nil {
		t.Fatalf("set responsibility: %v", err)
	}
	share, err := svc.enc.(*confidential.LocalProvider).Reveal(store.allocations[allocKey(c.ID, "p1")].EncShare)
	if err != nil {
		t.Fatalf("reveal share: %v", err)
	}
	if share != 60 {
		t.Fatalf("expected share 60, got %d", share)
	}

	if err := svc.SetResponsibility(ctx, adminActor, c.ID, "stranger", 50); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for non-member, got %v", err)
	}
	if err := svc.SetResponsibility(ctx, adminActor, c.ID, "p1", 0); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for share 0, got %v", err)
	}
	if err := svc.SetResponsibility(ctx, adminActor, c.ID, "p1", 101); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for share 101, got %v", err)
	}
	if err := svc.SetResponsibility(ctx, partyActor, c.ID, "p1", 50); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestGetAllocation_Visibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCase(ctx, adminActor, CreateCaseParams{
		Parties: []string{"p1", "p2"}, BaseFee: 100, Complexity: 10,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if _, err := svc.GetAllocation(ctx, partyActor, c.ID, "p1"); err != nil {
		t.Fatalf("party reading own allocation: %v", err)
	}
	if _, err := svc.GetAllocation(ctx, partyActor, c.ID, "p2"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error reading peer allocation, got %v", err)
	}
	if _, err := svc.GetAllocation(ctx, adminActor, c.ID, "p2"); err != nil {
		t.Fatalf("admin reading allocation: %v", err)
	}

	if _, err := svc.ListCasesForParty(ctx, partyActor, "p2"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error listing peer cases, got %v", err)
	}
}

func allocKey(caseID int64, partyID string) string {
	return fmt.Sprintf("%d|%s", caseID, partyID)
}

// fakeStore keeps the ledger in maps so service logic can run without
// Postgres.
type fakeStore struct {
	nextID      int64
	cases       map[int64]Case
	allocations map[string]PartyAllocation
	events      []string
	outbox      []string
	stats       Stats
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:      1,
		cases:       make(map[int64]Case),
		allocations: make(map[string]PartyAllocation),
	}
}

func (f *fakeStore) eventCount(topic string) int {
	n := 0
	for _, e := range f.events {
		if e == topic {
			n++
		}
	}
	return n
}

func (f *fakeStore) InsertCase(_ context.Context, _ pgx.Tx, params InsertCaseParams) (Case, error) {
	c := Case{
		ID:            f.nextID,
		Description:   params.Description,
		Parties:       params.Parties,
		EncBaseFee:    params.EncBaseFee,
		EncComplexity: params.EncComplexity,
		EncTimeSpent:  params.EncTimeSpent,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	f.nextID++
	f.cases[c.ID] = c
	for _, seed := range params.Allocations {
		f.allocations[allocKey(c.ID, seed.PartyID)] = PartyAllocation{
			CaseID:    c.ID,
			PartyID:   seed.PartyID,
			EncShare:  seed.EncShare,
			EncAmount: seed.EncAmount,
			EncRatio:  seed.EncRatio,
		}
	}
	return c, nil
}

func (f *fakeStore) SetCaseHash(_ context.Context, _ pgx.Tx, caseID int64, hash string) error {
	c, ok := f.cases[caseID]
	if !ok {
		return fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
	}
	c.Hash = hash
	f.cases[caseID] = c
	return nil
}

func (f *fakeStore) GetCaseForUpdate(_ context.Context, _ pgx.Tx, caseID int64) (Case, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return Case{}, fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
	}
	return c, nil
}

func (f *fakeStore) UpdateCaseTime(_ context.Context, _ pgx.Tx, caseID int64, enc confidential.Value) error {
	c, ok := f.cases[caseID]
	if !ok {
		return fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
	}
	c.EncTimeSpent = enc
	f.cases[caseID] = c
	return nil
}

func (f *fakeStore) UpdateAllocationShare(_ context.Context, _ pgx.Tx, caseID int64, partyID string, encShare confidential.Value) error {
	key := allocKey(caseID, partyID)
	alloc, ok := f.allocations[key]
	if !ok {
		return fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrAuthorization)
	}
	alloc.EncShare = encShare
	f.allocations[key] = alloc
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, _ pgx.Tx, _ int64, eventType string, _ *string, _ map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.outbox = append(f.outbox, topic)
	return nil
}

func (f *fakeStore) BumpStats(_ context.Context, _ pgx.Tx, dTotal, dActive, dSettled int) error {
	f.stats.TotalCases += int64(dTotal)
	f.stats.ActiveCases += int64(dActive)
	f.stats.SettledCases += int64(dSettled)
	return nil
}

func (f *fakeStore) GetCase(_ context.Context, caseID int64) (Case, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return Case{}, fmt.Errorf("casefile: case %d: %w", caseID, fault.ErrState)
	}
	return c, nil
}

func (f *fakeStore) GetAllocation(_ context.Context, caseID int64, partyID string) (PartyAllocation, error) {
	alloc, ok := f.allocations[allocKey(caseID, partyID)]
	if !ok {
		return PartyAllocation{}, fmt.Errorf("casefile: party %s not on case %d: %w", partyID, caseID, fault.ErrState)
	}
	return alloc, nil
}

func (f *fakeStore) ListCasesForParty(_ context.Context, partyID string) ([]int64, error) {
	var ids []int64
	for id, c := range f.cases {
		if contains(c.Parties, partyID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) Stats(_ context.Context) (Stats, error) {
	return f.stats, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
