package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrStore is matched by every StoreError.
	ErrStore = errors.New("identity: title store unavailable")
	// ErrNotFound is returned for unknown ids or hashes.
	ErrNotFound = errors.New("identity: title not found")
	// ErrInvalid is returned for malformed title input.
	ErrInvalid = errors.New("identity: invalid title")
)

// StoreError wraps a persistence failure. When Deferred is set the change
// was applied in memory and queued for RetryPending.
type StoreError struct {
	Op       string
	Hash     string
	Deferred bool
	Err      error
}

func (e *StoreError) Error() string {
	s := fmt.Sprintf("identity: %s %s: %v", e.Op, e.Hash, e.Err)
	if e.Deferred {
		s += " (kept in memory, write deferred)"
	}
	return s
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }
