package transfer

import "errors"

// Error taxonomy for transfer outcomes. Errors observed during a transfer
// are wrapped around one of these sentinels so callers can classify with
// errors.Is regardless of the underlying transport detail.
var (
	// ErrSubmission marks a malformed locator rejected at submit time.
	// The transfer never enters the queue.
	ErrSubmission = errors.New("invalid transfer submission")

	// ErrTransport marks a connect/TLS/protocol failure. Retried per policy.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout marks a deadline expiry. Retried per policy and counts
	// toward the same retry ceiling as ErrTransport.
	ErrTimeout = errors.New("transfer deadline exceeded")

	// ErrExhaustedRetries is terminal: the retry ceiling was reached.
	// The last observed error is attached via wrapping.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrCancelled marks a transfer aborted by Cancel/CancelAll.
	// Terminal, never retried.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrReassembly marks a malformed or inconsistent WebSocket frame
	// sequence. Terminal for the connection, never retried.
	ErrReassembly = errors.New("frame reassembly failed")
)

// Retryable reports whether err counts against the retry ceiling rather
// than terminating the transfer outright.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSubmission) || errors.Is(err, ErrReassembly) {
		return false
	}
	return true
}
