package core

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying provider and sync failures. Callers match with
// errors.Is; provider variants wrap these with call-site context.
var (
	// ErrAuthExpired marks a revoked or invalid refresh token. Not retriable;
	// the connection must go through re-authentication.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNotFound marks a file that moved or was deleted mid-sync, or an id
	// that resolves to a folder where a file was expected.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited marks a provider throttling response. Retried with
	// backoff at the call site.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExceeded aborts the current pass without advancing the cursor
	// past the unprocessed page.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrSubscriptionExpired signals that a webhook channel lapsed and must
	// be recreated. It is not a pass failure.
	ErrSubscriptionExpired = errors.New("subscription expired")
)

// TransientError wraps a network-level failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retriable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether the error may succeed on a bounded retry with
// backoff. Auth, not-found and quota failures are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatalForPass reports whether the error must abort the enclosing sync
// pass and leave the previous committed cursor intact.
func IsFatalForPass(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrQuotaExceeded)
}
