package forward

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second

	// MaxAttempts is the hard cap from spec.md §4.H; reaching it
	// discards the item with reason "max_attempts".
	MaxAttempts = 5
)

// CalculateBackoff implements min(base*2^(attempts-1), max_delay) with
// no jitter — a direct generalisation of the teacher's
// publishing.CalculateBackoff, deliberately dropping its jitter term so
// scenario S6's wall-clock lower bound (≥3s ignoring jitter) stays
// exact and testable without a time.Sleep tolerance window.
func CalculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := backoffBase << uint(attempts-1)
	if backoff > backoffMax || backoff <= 0 {
		return backoffMax
	}
	return backoff
}
