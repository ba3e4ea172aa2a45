package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feeledger/auth"
	"feeledger/casefile"
	"feeledger/decryption"
	"feeledger/fault"
	"feeledger/settlement"
)

type stubCaseService struct {
	createdCase casefile.Case
	createErr   error
	getCase     casefile.Case
	getErr      error
	parties     []string
	allocation  casefile.PartyAllocation
	allocErr    error
	caseIDs     []int64
	stats       casefile.Stats
	statsErr    error
	updateErr   error
}

func (s *stubCaseService) CreateCase(_ context.Context, _ auth.Actor, _ casefile.CreateCaseParams) (casefile.Case, error) {
	return s.createdCase, s.createErr
}

func (s *stubCaseService) UpdateTime(_ context.Context, _ auth.Actor, _ int64, _ uint64) error {
	return s.updateErr
}

func (s *stubCaseService) SetResponsibility(_ context.Context, _ auth.Actor, _ int64, _ string, _ uint64) error {
	return s.updateErr
}

func (s *stubCaseService) GetCase(_ context.Context, _ int64) (casefile.Case, error) {
	return s.getCase, s.getErr
}

func (s *stubCaseService) GetParties(_ context.Context, _ int64) ([]string, error) {
	return s.parties, s.getErr
}

func (s *stubCaseService) GetAllocation(_ context.Context, _ auth.Actor, _ int64, _ string) (casefile.PartyAllocation, error) {
	return s.allocation, s.allocErr
}

func (s *stubCaseService) ListCasesForParty(_ context.Context, _ auth.Actor, _ string) ([]int64, error) {
	return s.caseIDs, s.getErr
}

func (s *stubCaseService) Stats(_ context.Context) (casefile.Stats, error) {
	return s.stats, s.statsErr
}

type stubRevealService struct {
	requestID   string
	requestErr  error
	callbackErr error
	status      decryption.Status
	fee         decryption.RevealedFee
	err         error
}

func (s *stubRevealService) RequestReveal(_ context.Context, _ auth.Actor, _ int64) (string, error) {
	return s.requestID, s.requestErr
}

func (s *stubRevealService) HandleCallback(_ context.Context, _ string, _ int64, _ string) error {
	return s.callbackErr
}

func (s *stubRevealService) GetStatus(_ context.Context, _ int64) (decryption.Status, error) {
	return s.status, s.err
}

func (s *stubRevealService) GetRevealedFee(_ context.Context, _ int64) (decryption.RevealedFee, error) {
	return s.fee, s.err
}

type stubSettlementService struct {
	paymentErr error
	settleErr  error
	timeoutErr error
	refundErr  error
	status     settlement.RefundStatus
	statusErr  error
}

func (s *stubSettlementService) RecordPayment(_ context.Context, _ auth.Actor, _ int64) error {
	return s.paymentErr
}

func (s *stubSettlementService) EmergencySettle(_ context.Context, _ auth.Actor, _ int64) error {
	return s.settleErr
}

func (s *stubSettlementService) HandleDecryptionTimeout(_ context.Context, _ auth.Actor, _ int64) error {
	return s.timeoutErr
}

func (s *stubSettlementService) HandleCaseTimeout(_ context.Context, _ auth.Actor, _ int64) error {
	return s.timeoutErr
}

func (s *stubSettlementService) RequestRefund(_ context.Context, _ auth.Actor, _ int64) error {
	return s.refundErr
}

func (s *stubSettlementService) GetRefundStatus(_ context.Context, _ int64, _ string) (settlement.RefundStatus, error) {
	return s.status, s.statusErr
}

type stubAuthService struct {
	user      *auth.User
	userErr   error
	login     auth.LoginResult
	loginErr  error
	actor     auth.Actor
	verifyErr error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.userErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.login, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (auth.Actor, error) {
	return s.actor, s.verifyErr
}

func adminRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := context.WithValue(req.Context(), ctxKeyUserID, "admin-1")
	ctx = context.WithValue(ctx, ctxKeyRole, auth.RoleAdmin)
	return req.WithContext(ctx)
}

func TestHandleCreateCase_Success(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	server := &Server{
		caseService: &stubCaseService{
			createdCase: casefile.Case{
				ID:        1,
				Parties:   []string{"p1", "p2"},
				IsActive:  true,
				CreatedAt: now,
				Hash:      "abc123",
			},
		},
	}

	body := `{"description":"estate dispute","parties":["p1","p2"],"base_fee":50000,"complexity":50}`
	rec := httptest.NewRecorder()

	server.handleCreateCase(rec, adminRequest(http.MethodPost, "/api/cases", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 1 || !resp.IsActive || resp.CaseHash != "abc123" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if len(resp.Parties) != 2 {
		t.Fatalf("expected 2 parties, got %d", len(resp.Parties))
	}
}

func TestHandleCreateCase_Forbidden(t *testing.T) {
	server := &Server{
		caseService: &stubCaseService{
			createErr: fmt.Errorf("admin-only: %w", fault.ErrAuthorization),
		},
	}

	body := `{"parties":["p1","p2"],"base_fee":100,"complexity":10}`
	rec := httptest.NewRecorder()

	server.handleCreateCase(rec, adminRequest(http.MethodPost, "/api/cases", body))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreateCase_ValidationError(t *testing.T) {
	server := &Server{
		caseService: &stubCaseService{
			createErr: fmt.Errorf("party count 1 outside [2,20]: %w", fault.ErrValidation),
		},
	}

	rec := httptest.NewRecorder()
	server.handleCreateCase(rec, adminRequest(http.MethodPost, "/api/cases", `{"parties":["p1"]}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetCase_InvalidID(t *testing.T) {
	server := &Server{caseService: &stubCaseService{}}

	req := adminRequest(http.MethodGet, "/api/cases/abc", "")
	req.SetPathValue("id", "abc")
	rec := httptest.NewRecorder()

	server.handleGetCase(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetCase_UnknownCase(t *testing.T) {
	server := &Server{
		caseService: &stubCaseService{
			getErr: fmt.Errorf("case 42 not found: %w", fault.ErrState),
		},
	}

	req := adminRequest(http.MethodGet, "/api/cases/42", "")
	req.SetPathValue("id", "42")
	rec := httptest.NewRecorder()

	server.handleGetCase(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRecordPayment_AlreadyPaid(t *testing.T) {
	server := &Server{
		settlementService: &stubSettlementService{
			paymentErr: fmt.Errorf("already paid: %w", fault.ErrState),
		},
	}

	req := adminRequest(http.MethodPost, "/api/cases/1/payments", "")
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	server.handleRecordPayment(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleDecryptionCallback_MissingProof(t *testing.T) {
	server := &Server{revealService: &stubRevealService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/decryption/callback",
		strings.NewReader(`{"request_id":"r1","amount":100}`))
	rec := httptest.NewRecorder()

	server.handleDecryptionCallback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDecryptionCallback_Replay(t *testing.T) {
	server := &Server{
		revealService: &stubRevealService{
			callbackErr: fmt.Errorf("request r1 already processed: %w", fault.ErrProtocol),
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/decryption/callback",
		strings.NewReader(`{"request_id":"r1","amount":100,"proof":"p"}`))
	rec := httptest.NewRecorder()

	server.handleDecryptionCallback(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleRequestReveal_Accepted(t *testing.T) {
	server := &Server{
		revealService: &stubRevealService{requestID: "req-7"},
	}

	req := adminRequest(http.MethodPost, "/api/cases/1/decryption", "")
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	server.handleRequestReveal(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["request_id"] != "req-7" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	server := &Server{authService: &stubAuthService{}}

	handler := server.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/cases/1", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	server := &Server{
		authService: &stubAuthService{verifyErr: errors.New("expired")},
	}

	handler := server.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/cases/1", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth_PropagatesActor(t *testing.T) {
	server := &Server{
		authService: &stubAuthService{
			actor: auth.Actor{UserID: "party-9", Role: auth.RoleParty},
		},
	}

	var got auth.Actor
	handler := server.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		got, _ = actorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/cases/1", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.UserID != "party-9" || got.Role != auth.RoleParty {
		t.Fatalf("unexpected actor: %+v", got)
	}
}

func TestHandleStats_Success(t *testing.T) {
	server := &Server{
		caseService: &stubCaseService{
			stats: casefile.Stats{TotalCases: 5, ActiveCases: 2, SettledCases: 3},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["total_cases"] != 5 || payload["active_cases"] != 2 || payload["settled_cases"] != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleGetRefundStatus(t *testing.T) {
	server := &Server{
		settlementService: &stubSettlementService{
			status: settlement.RefundStatus{Refundable: true, Settled: false},
		},
	}

	req := adminRequest(http.MethodGet, "/api/cases/3/refund", "")
	req.SetPathValue("id", "3")
	rec := httptest.NewRecorder()

	server.handleGetRefundStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["refundable"] != true {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
