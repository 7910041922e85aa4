package keygate

import (
	"encoding/base64"
	"fmt"
	"time"
)

// RequestState is the lifecycle state of an idempotency record.
type RequestState string

const (
	// StateNew is the implicit pre-record state. It is never persisted;
	// a key with no record is NEW.
	StateNew RequestState = "NEW"

	// StateRunning means an execution currently holds the lease for this key.
	StateRunning RequestState = "RUNNING"

	// StateCompleted means the handler finished successfully and the
	// response is cached.
	StateCompleted RequestState = "COMPLETED"

	// StateFailed means the handler failed and the error response is cached.
	StateFailed RequestState = "FAILED"
)

// Terminal reports whether the state carries a replayable response.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StoredResponse is the cached result of one handler execution.
// The body is base64-encoded so arbitrary binary payloads survive every
// storage backend's serialization.
type StoredResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// NewStoredResponse encodes a wire-level response for persistence.
func NewStoredResponse(status int, headers map[string]string, body []byte) *StoredResponse {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &StoredResponse{
		Status:  status,
		Headers: h,
		BodyB64: base64.StdEncoding.EncodeToString(body),
	}
}

// BodyBytes decodes the stored body back to raw bytes.
func (r *StoredResponse) BodyBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("decode stored body: %w", err)
	}
	return b, nil
}

// Clone returns a deep copy.
func (r *StoredResponse) Clone() *StoredResponse {
	if r == nil {
		return nil
	}
	h := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		h[k] = v
	}
	return &StoredResponse{Status: r.Status, Headers: h, BodyB64: r.BodyB64}
}

// IdempotencyRecord is the unit of persisted state for one key.
//
// Invariants: ExpiresAt is strictly after CreatedAt; Response is set iff
// the state is terminal; LeaseToken identifies the exclusive right to
// transition the record and is validated by Complete/Fail.
type IdempotencyRecord struct {
	Key             string          `json:"key"`
	Fingerprint     string          `json:"fingerprint"`
	State           RequestState    `json:"state"`
	Response        *StoredResponse `json:"response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	LeaseToken      string          `json:"lease_token,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// Expired reports whether the record's TTL elapsed before now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (r *IdempotencyRecord) Clone() *IdempotencyRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Response = r.Response.Clone()
	return &c
}

// LeaseResult is the outcome of a lease-acquisition attempt. Exactly one
// of LeaseToken and Existing is set; use LeaseGranted/LeaseDenied so the
// invariant holds by construction.
type LeaseResult struct {
	Success    bool
	LeaseToken string
	Existing   *IdempotencyRecord
}

// LeaseGranted builds the success shape: a fresh token, no existing record.
func LeaseGranted(token string) *LeaseResult {
	return &LeaseResult{Success: true, LeaseToken: token}
}

// LeaseDenied builds the failure shape: the record that won, no token.
func LeaseDenied(existing *IdempotencyRecord) *LeaseResult {
	return &LeaseResult{Success: false, Existing: existing}
}
