package executor

import "fmt"

// RetryExhaustedError is the terminal failure after MaxAttempts. It is
// surfaced to the caller as the run's failure result, never swallowed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// CancelledError indicates the run was aborted via context cancellation.
// Distinct from RetryExhaustedError: no further retries are made.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("guarded run cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }
