// Package fault defines the error categories shared by all fee-ledger
// services. Callers wrap these sentinels with package-prefixed context and the
// HTTP layer maps each category onto a status code.
package fault

import "errors"

var (
	// ErrValidation signals malformed input rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization signals the caller lacks the role or membership for the operation.
	ErrAuthorization = errors.New("authorization error")
	// ErrState signals the case is not in a state that permits the operation.
	ErrState = errors.New("state error")
	// ErrProtocol signals a bad oracle callback: unknown or replayed request id,
	// or an invalid proof. Fatal to that callback only.
	ErrProtocol = errors.New("protocol error")
)
