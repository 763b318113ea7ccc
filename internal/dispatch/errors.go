package dispatch

import (
	"fmt"
	"time"
)

// TransientError is a delivery failure worth retrying: network errors, 5xx,
// 429 and the channels' rate-limit business codes.
type TransientError struct {
	StatusCode int
	Code       int // channel business code, 0 when absent
	Msg        string
	Err        error
	// After is the server's Retry-After hint, 0 when absent.
	After time.Duration
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: status=%d code=%d %s", e.StatusCode, e.Code, e.Msg)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RetryAfter returns the server hint.
func (e *TransientError) RetryAfter() time.Duration { return e.After }

// PermanentError is a failure that will not succeed on retry (bad request,
// invalid signature, disabled bot, keyword mismatch).
type PermanentError struct {
	StatusCode int
	Code       int
	Msg        string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %v", e.Err)
	}
	return fmt.Sprintf("permanent: status=%d code=%d %s", e.StatusCode, e.Code, e.Msg)
}

func (e *PermanentError) Unwrap() error { return e.Err }
