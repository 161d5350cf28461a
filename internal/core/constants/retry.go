package constants

import "time"

// Retry and backoff constants shared by the dispatcher's same-instance
// retry loop and the supervisor's restart staggering.
const (
	// DefaultMaxBackoffSeconds caps any exponential backoff calculation.
	DefaultMaxBackoffSeconds = 60 * time.Second

	// DispatcherRetryBaseDelay is the base of the dispatcher's retry backoff:
	// DispatcherRetryBaseDelay * 2^attempt between same-instance retries.
	DispatcherRetryBaseDelay = 500 * time.Millisecond
)
