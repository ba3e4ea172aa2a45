package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feeledger/allocation"
	"feeledger/auth"
	"feeledger/casefile"
	"feeledger/decryption"
	"feeledger/fault"
	"feeledger/settlement"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Narrow views of the domain services, so handler tests can stub them.
type caseService interface {
	CreateCase(ctx context.Context, actor auth.Actor, params casefile.CreateCaseParams) (casefile.Case, error)
	UpdateTime(ctx context.Context, actor auth.Actor, caseID int64, additionalHours uint64) error
	SetResponsibility(ctx context.Context, actor auth.Actor, caseID int64, partyID string, share uint64) error
	GetCase(ctx context.Context, caseID int64) (casefile.Case, error)
	GetParties(ctx context.Context, caseID int64) ([]string, error)
	GetAllocation(ctx context.Context, actor auth.Actor, caseID int64, partyID string) (casefile.PartyAllocation, error)
	ListCasesForParty(ctx context.Context, actor auth.Actor, partyID string) ([]int64, error)
	Stats(ctx context.Context) (casefile.Stats, error)
}

type feeEngine interface {
	Calculate(ctx context.Context, actor auth.Actor, caseID int64) (casefile.FeeCalculation, error)
}

type revealService interface {
	RequestReveal(ctx context.Context, actor auth.Actor, caseID int64) (string, error)
	HandleCallback(ctx context.Context, requestID string, amount int64, proof string) error
	GetStatus(ctx context.Context, caseID int64) (decryption.Status, error)
	GetRevealedFee(ctx context.Context, caseID int64) (decryption.RevealedFee, error)
}

type settlementService interface {
	RecordPayment(ctx context.Context, actor auth.Actor, caseID int64) error
	EmergencySettle(ctx context.Context, actor auth.Actor, caseID int64) error
	HandleDecryptionTimeout(ctx context.Context, actor auth.Actor, caseID int64) error
	HandleCaseTimeout(ctx context.Context, actor auth.Actor, caseID int64) error
	RequestRefund(ctx context.Context, actor auth.Actor, caseID int64) error
	GetRefundStatus(ctx context.Context, caseID int64, partyID string) (settlement.RefundStatus, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Actor, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService       authService
	caseService       caseService
	feeEngine         feeEngine
	revealService     revealService
	settlementService settlementService
}

var _ caseService = (*casefile.Service)(nil)
var _ feeEngine = (*allocation.Engine)(nil)
var _ revealService = (*decryption.Service)(nil)
var _ settlementService = (*settlement.Tracker)(nil)
var _ authService = (*auth.Service)(nil)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Oracle callbacks authenticate by proof, not by token.
	mux.HandleFunc("POST /api/decryption/callback", s.handleDecryptionCallback)

	mux.HandleFunc("POST /api/cases", s.requireAuth(s.handleCreateCase))
	mux.HandleFunc("POST /api/cases/{id}/time", s.requireAuth(s.handleUpdateTime))
	mux.HandleFunc("POST /api/cases/{id}/responsibility", s.requireAuth(s.handleSetResponsibility))
	mux.HandleFunc("POST /api/cases/{id}/calculate", s.requireAuth(s.handleCalculate))
	mux.HandleFunc("POST /api/cases/{id}/decryption", s.requireAuth(s.handleRequestReveal))
	mux.HandleFunc("POST /api/cases/{id}/payments", s.requireAuth(s.handleRecordPayment))
	mux.HandleFunc("POST /api/cases/{id}/refunds", s.requireAuth(s.handleRequestRefund))
	mux.HandleFunc("POST /api/cases/{id}/settle", s.requireAuth(s.handleEmergencySettle))
	mux.HandleFunc("POST /api/cases/{id}/timeouts/decryption", s.requireAuth(s.handleDecryptionTimeout))
	mux.HandleFunc("POST /api/cases/{id}/timeouts/inactivity", s.requireAuth(s.handleCaseTimeout))

	mux.HandleFunc("GET /api/cases/{id}", s.requireAuth(s.handleGetCase))
	mux.HandleFunc("GET /api/cases/{id}/parties", s.requireAuth(s.handleGetParties))
	mux.HandleFunc("GET /api/cases/{id}/allocations/{party}", s.requireAuth(s.handleGetAllocation))
	mux.HandleFunc("GET /api/cases/{id}/decryption", s.requireAuth(s.handleGetDecryptionStatus))
	mux.HandleFunc("GET /api/cases/{id}/refund", s.requireAuth(s.handleGetRefundStatus))
	mux.HandleFunc("GET /api/cases/{id}/fee", s.requireAuth(s.handleGetRevealedFee))
	mux.HandleFunc("GET /api/parties/{party}/cases", s.requireAuth(s.handleListPartyCases))
	mux.HandleFunc("GET /api/stats", s.handleStats)

	return mux
}

// requireAuth verifies the bearer token and stashes the acting principal in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, actor.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, actor.Role)
		next(w, r.WithContext(ctx))
	}
}

func actorFromContext(ctx context.Context) (auth.Actor, bool) {
	userID, ok := ctx.Value(ctxKeyUserID).(string)
	if !ok || userID == "" {
		return auth.Actor{}, false
	}
	role, ok := ctx.Value(ctxKeyRole).(auth.Role)
	if !ok {
		return auth.Actor{}, false
	}
	return auth.Actor{UserID: userID, Role: role}, true
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.serviceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{Token: result.Token, User: toUserResponse(result.User)})
}

type caseResponse struct {
	ID           int64    `json:"id"`
	Description  string   `json:"description"`
	Parties      []string `json:"parties"`
	IsActive     bool     `json:"is_active"`
	IsSettled    bool     `json:"is_settled"`
	IsRefundable bool     `json:"is_refundable"`
	CreatedAt    string   `json:"created_at"`
	SettledAt    *string  `json:"settled_at,omitempty"`
	CaseHash     string   `json:"case_hash,omitempty"`
}

func toCaseResponse(c casefile.Case) caseResponse {
	resp := caseResponse{
		ID:           c.ID,
		Description:  c.Description,
		Parties:      c.Parties,
		IsActive:     c.IsActive,
		IsSettled:    c.IsSettled,
		IsRefundable: c.IsRefundable,
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
		CaseHash:     c.Hash,
	}
	if c.SettledAt != nil {
		settled := c.SettledAt.UTC().Format(time.RFC3339)
		resp.SettledAt = &settled
	}
	return resp
}

type createCaseRequest struct {
	Description string   `json:"description"`
	Parties     []string `json:"parties"`
	BaseFee     uint64   `json:"base_fee"`
	Complexity  uint64   `json:"complexity"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.caseService.CreateCase(r.Context(), actor, casefile.CreateCaseParams{
		Description: req.Description,
		Parties:     req.Parties,
		BaseFee:     req.BaseFee,
		Complexity:  req.Complexity,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (s *Server) handleUpdateTime(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}

	var req struct {
		AdditionalHours uint64 `json:"additional_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.caseService.UpdateTime(r.Context(), actor, caseID, req.AdditionalHours); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID})
}

func (s *Server) handleSetResponsibility(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}

	var req struct {
		PartyID string `json:"party_id"`
		Share   uint64 `json:"share"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.caseService.SetResponsibility(r.Context(), actor, caseID, req.PartyID, req.Share); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "party_id": req.PartyID})
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}

	fc, err := s.feeEngine.Calculate(r.Context(), actor, caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": fc.CaseID, "calculated": fc.Calculated})
}

func (s *Server) handleRequestReveal(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}

	requestID, err := s.revealService.RequestReveal(r.Context(), actor, caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"case_id": caseID, "request_id": requestID})
}

type callbackRequest struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	Proof     string `json:"proof"`
}

func (s *Server) handleDecryptionCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" || req.Proof == "" {
		writeError(w, http.StatusBadRequest, "request_id and proof are required")
		return
	}

	if err := s.revealService.HandleCallback(r.Context(), req.RequestID, req.Amount, req.Proof); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID})
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	if err := s.settlementService.RecordPayment(r.Context(), actor, caseID); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "party_id": actor.UserID})
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	if err := s.settlementService.RequestRefund(r.Context(), actor, caseID); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "party_id": actor.UserID})
}

func (s *Server) handleEmergencySettle(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	if err := s.settlementService.EmergencySettle(r.Context(), actor, caseID); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "settled": true})
}

func (s *Server) handleDecryptionTimeout(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	if err := s.settlementService.HandleDecryptionTimeout(r.Context(), actor, caseID); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "refundable": true})
}

func (s *Server) handleCaseTimeout(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	if err := s.settlementService.HandleCaseTimeout(r.Context(), actor, caseID); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "refundable": true})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := casePathID(w, r)
	if !ok {
		return
	}
	c, err := s.caseService.GetCase(r.Context(), caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleGetParties(w http.ResponseWriter, r *http.Request) {
	caseID, ok := casePathID(w, r)
	if !ok {
		return
	}
	parties, err := s.caseService.GetParties(r.Context(), caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "parties": parties})
}

type allocationResponse struct {
	CaseID  int64   `json:"case_id"`
	PartyID string  `json:"party_id"`
	Paid    bool    `json:"paid"`
	PaidAt  *string `json:"paid_at,omitempty"`

	// Opaque ciphertext handles; only the provider can open them, and only
	// for granted principals.
	EncShare  string `json:"enc_share,omitempty"`
	EncAmount string `json:"enc_amount,omitempty"`
	EncRatio  string `json:"enc_ratio,omitempty"`
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	caseID, ok := casePathID(w, r)
	if !ok {
		return
	}
	partyID := r.PathValue("party")
	if partyID == "" {
		writeError(w, http.StatusBadRequest, "party id is required")
		return
	}

	alloc, err := s.caseService.GetAllocation(r.Context(), actor, caseID, partyID)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	resp := allocationResponse{
		CaseID:    alloc.CaseID,
		PartyID:   alloc.PartyID,
		Paid:      alloc.Paid,
		EncShare:  string(alloc.EncShare),
		EncAmount: string(alloc.EncAmount),
		EncRatio:  string(alloc.EncRatio),
	}
	if alloc.PaidAt != nil {
		paidAt := alloc.PaidAt.UTC().Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDecryptionStatus(w http.ResponseWriter, r *http.Request) {
	caseID, ok := casePathID(w, r)
	if !ok {
		return
	}
	st, err := s.revealService.GetStatus(r.Context(), caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	resp := map[string]any{
		"case_id":    caseID,
		"calculated": st.Calculated,
		"requested":  st.Requested,
		"revealed":   st.Revealed,
	}
	if st.RequestID != "" {
		resp["request_id"] = st.RequestID
	}
	if st.RequestedAt != nil {
		resp["requested_at"] = st.RequestedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRefundStatus(w http.ResponseWriter, r *http.Request) {
	actor, caseID, ok := s.actorAndCase(w, r)
	if !ok {
		return
	}
	st, err := s.settlementService.GetRefundStatus(r.Context(), caseID, actor.UserID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":    caseID,
		"refundable": st.Refundable,
		"settled":    st.Settled,
	})
}

func (s *Server) handleGetRevealedFee(w http.ResponseWriter, r *http.Request) {
	caseID, ok := casePathID(w, r)
	if !ok {
		return
	}
	fee, err := s.revealService.GetRevealedFee(r.Context(), caseID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":  caseID,
		"amount":   fee.Amount,
		"revealed": fee.Revealed,
	})
}

func (s *Server) handleListPartyCases(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	partyID := r.PathValue("party")
	if partyID == "" {
		writeError(w, http.StatusBadRequest, "party id is required")
		return
	}

	caseIDs, err := s.caseService.ListCasesForParty(r.Context(), actor, partyID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if caseIDs == nil {
		caseIDs = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"party_id": partyID, "case_ids": caseIDs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.caseService.Stats(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_cases":   stats.TotalCases,
		"active_cases":  stats.ActiveCases,
		"settled_cases": stats.SettledCases,
	})
}

// actorAndCase pulls the acting principal and the {id} path segment, writing
// the error response itself on failure.
func (s *Server) actorAndCase(w http.ResponseWriter, r *http.Request) (auth.Actor, int64, bool) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return auth.Actor{}, 0, false
	}
	caseID, ok := casePathID(w, r)
	if !ok {
		return auth.Actor{}, 0, false
	}
	return actor, caseID, true
}

func casePathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	caseID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || caseID < 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid case id %q", raw))
		return 0, false
	}
	return caseID, true
}

// serviceError maps domain failures onto HTTP status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fault.ErrAuthorization):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, fault.ErrState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fault.ErrProtocol):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		slog.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
