package keygate

import (
	"context"
	"time"
)

// Storage is the port every persistence backend must satisfy.
// Implementations (memory, file, Redis, SQL) must be safe under unbounded
// concurrent invocation; the at-most-once guarantee of the middleware is
// enforced entirely through PutNewRunning's atomicity, so backends share
// no code, only this contract.
type Storage interface {
	// Get returns the record for key, or (nil, nil) when absent.
	// Get does not filter records whose TTL has elapsed but which the
	// sweep has not yet removed; expiry is CleanupExpired's concern.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// PutNewRunning atomically creates a RUNNING record for key and
	// returns a granted lease. Given N concurrent callers for the same
	// key, exactly one receives a granted result with a fresh token;
	// the rest receive a denied result carrying the existing record in
	// whatever state it settled into by the time they observed it.
	PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error)

	// Complete transitions RUNNING -> COMPLETED and stores the response.
	// Returns false when the record is gone or the token does not match
	// the record's current lease; both are normal negative results, not
	// errors. Releases whatever per-key exclusion the backend engaged.
	Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error)

	// Fail is Complete for the error path: RUNNING -> FAILED, caching
	// the error response so repeated failing requests do not re-execute.
	Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error)

	// CleanupExpired removes every record whose expires_at is strictly
	// in the past and returns how many were removed. It must never
	// reclaim a per-key exclusion primitive that is currently held.
	CleanupExpired(ctx context.Context) (int, error)
}
