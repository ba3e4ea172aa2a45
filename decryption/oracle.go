package decryption

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"feeledger/confidential"
	"feeledger/fault"
)

// OracleClient submits a confidential aggregate to the external decryption
// network. The network answers asynchronously through the callback endpoint;
// Submit only hands over the handle and returns the oracle-issued request id.
type OracleClient interface {
	Submit(ctx context.Context, handle confidential.Value) (requestID string, err error)
}

// HTTPOracleClient talks to a decryption oracle over HTTP.
type HTTPOracleClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracleClient(baseURL string) *HTTPOracleClient {
	return &HTTPOracleClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPOracleClient) Submit(ctx context.Context, handle confidential.Value) (string, error) {
	body, err := json.Marshal(map[string]string{"handle": string(handle)})
	if err != nil {
		return "", fmt.Errorf("decryption: marshal submit body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("decryption: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("decryption: submit to oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("decryption: oracle returned status %d", resp.StatusCode)
	}

	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decryption: decode oracle response: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("decryption: oracle returned empty request id")
	}
	return out.RequestID, nil
}

// Proof claims bind the disclosed amount to the request id. The oracle signs
// them with the shared callback secret.
const (
	claimRequestID = "request_id"
	claimAmount    = "amount"
)

// SignProof produces the callback proof for a disclosure. Exported for the
// oracle side of the protocol and for tests.
func SignProof(secret []byte, requestID string, amount int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claimRequestID: requestID,
		claimAmount:    amount,
		"iat":          time.Now().Unix(),
	})
	return token.SignedString(secret)
}

// verifyProof checks the proof signature and that its claims match the
// callback arguments. Any mismatch is a protocol error; the caller must not
// have mutated anything yet.
func verifyProof(secret []byte, proof, requestID string, amount int64) error {
	token, err := jwt.Parse(proof, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("decryption: invalid proof: %v: %w", err, fault.ErrProtocol)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("decryption: invalid proof claims: %w", fault.ErrProtocol)
	}
	if id, _ := claims[claimRequestID].(string); id != requestID {
		return fmt.Errorf("decryption: proof bound to request %q, got %q: %w", id, requestID, fault.ErrProtocol)
	}
	// JSON numbers decode as float64; amounts stay well under 2^53.
	if amt, _ := claims[claimAmount].(float64); int64(amt) != amount {
		return fmt.Errorf("decryption: proof amount mismatch: %w", fault.ErrProtocol)
	}
	return nil
}
