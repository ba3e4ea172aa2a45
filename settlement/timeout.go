package settlement

import "time"

// Default deadlines. Both are evaluated lazily: there is no background
// scheduler, anyone may trigger the check once the deadline is past.
const (
	DefaultDecryptionTimeout = 7 * 24 * time.Hour
	DefaultCaseTimeout       = 90 * 24 * time.Hour
)

// DecryptionDeadlineElapsed reports whether the oracle has been silent longer
// than the decryption deadline.
func DecryptionDeadlineElapsed(requestedAt, now time.Time, timeout time.Duration) bool {
	return now.Sub(requestedAt) >= timeout
}

// CaseDeadlineElapsed reports whether the case has been inactive past the
// inactivity deadline since creation.
func CaseDeadlineElapsed(createdAt, now time.Time, timeout time.Duration) bool {
	return now.Sub(createdAt) >= timeout
}
