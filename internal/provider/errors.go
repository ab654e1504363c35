package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying provider failures. Implementations wrap
// these so callers can branch with errors.Is regardless of the
// underlying SDK error.
var (
	// ErrValidation means the record is invalid for this provider
	// and will never succeed as-is.
	ErrValidation = errors.New("record validation failed")

	// ErrNotFound means the referenced record or zone does not
	// exist at the provider.
	ErrNotFound = errors.New("not found at provider")

	// ErrConflict means a record with the same identity already
	// exists. The reconciler adopts the existing record on this.
	ErrConflict = errors.New("record already exists at provider")

	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrTransient covers network failures and 5xx responses that
	// are worth retrying.
	ErrTransient = errors.New("transient provider failure")

	// ErrAuth means credentials were rejected. Retrying is
	// pointless until configuration changes.
	ErrAuth = errors.New("provider authentication failed")

	// ErrDegraded means the provider instance is marked degraded
	// after repeated failures and is skipped this cycle.
	ErrDegraded = errors.New("provider degraded")
)

// Error wraps a provider failure with its instance and operation.
type Error struct {
	Provider string
	Op       string
	Hostname string
	Err      error
}

func (e *Error) Error() string {
	if e.Hostname != "" {
		return fmt.Sprintf("provider %s: %s %s: %v", e.Provider, e.Op, e.Hostname, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError builds an Error unless err is nil.
func WrapError(providerID, op, hostname string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: providerID, Op: op, Hostname: hostname, Err: err}
}

// IsRetryable reports whether the failure class is worth retrying
// with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
