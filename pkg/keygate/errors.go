package keygate

import (
	"errors"
	"fmt"
)

// ConflictError reports a key reuse with a materially different request:
// the stored fingerprint and the incoming one disagree. The stored record
// is never mutated; a later request that does match can still replay it.
type ConflictError struct {
	Key                string
	StoredFingerprint  string
	RequestFingerprint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request fingerprint mismatch for key %s", e.Key)
}

// StorageError wraps a backend failure. It is distinct from "key not
// found" and "lease mismatch", which are normal negative results; a
// StorageError on the lease path is fail-closed for unsafe methods.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s failed for key %s: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ValidationError reports bad client input (empty or oversized key,
// oversized body) detected before any storage interaction.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Common sentinel errors
var (
	// ErrNoStoredResponse is returned when replay is asked for a record
	// without a response; the state machine's invariants make this
	// unreachable outside of programming errors.
	ErrNoStoredResponse = errors.New("record has no stored response")

	// ErrInvalidConfig is wrapped around configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)
