package keygate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-process Storage for testing and local
// dev. It loses data on restart.
//
// Mutual exclusion is two-level: a store-wide mutex guards the maps, and
// a per-key mutex is held by whichever execution owns the lease, from
// PutNewRunning until Complete/Fail releases it. Late racers therefore
// block briefly on the per-key mutex and then observe the record the
// winner wrote.
//
// Every grant records the mutex instance it holds, keyed by lease token,
// so a transition always unlocks its own mutex. The sweep can retire a
// held lock from the key map without deadlocking the key: the straggler
// still finds its instance through the token, and a fresh lease attempt
// mints a new mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*IdempotencyRecord
	locks   map[string]*sync.Mutex
	leases  map[string]*sync.Mutex
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*IdempotencyRecord),
		locks:   make(map[string]*sync.Mutex),
		leases:  make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Expired records are Get-visible until the sweep removes them.
	return s.records[key].Clone(), nil
}

func (s *MemoryStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	// Fast path: a record already exists, no need to touch the lock.
	s.mu.RLock()
	if rec, ok := s.records[key]; ok {
		existing := rec.Clone()
		s.mu.RUnlock()
		return LeaseDenied(existing), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	lk, ok := s.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[key] = lk
	}
	s.mu.Unlock()

	// Blocks while another execution holds the lease for this key.
	lk.Lock()

	s.mu.Lock()
	if rec, ok := s.records[key]; ok {
		// Lost the race: the winner wrote its record before we got the
		// per-key lock.
		existing := rec.Clone()
		s.mu.Unlock()
		lk.Unlock()
		return LeaseDenied(existing), nil
	}

	now := s.now()
	token := uuid.NewString()
	s.records[key] = &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateRunning,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		LeaseToken:  token,
		TraceID:     traceID,
	}
	s.leases[token] = lk
	s.mu.Unlock()

	// The per-key lock stays held; Complete or Fail releases it.
	return LeaseGranted(token), nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(key, leaseToken, StateCompleted, response, executionTimeMS)
}

func (s *MemoryStore) Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(key, leaseToken, StateFailed, response, executionTimeMS)
}

func (s *MemoryStore) transition(key, leaseToken string, state RequestState, response *StoredResponse, executionTimeMS int64) (bool, error) {
	s.mu.Lock()
	// The mutex this lease has held since the grant, if it still does.
	// Only that instance is ever unlocked here: never whatever the key
	// currently maps to, which may belong to a newer lease, and never
	// twice, because the entry is consumed on the first transition.
	held := s.leases[leaseToken]
	delete(s.leases, leaseToken)

	rec, ok := s.records[key]
	if !ok {
		// Swept while the execution was in flight. Release the held
		// mutex on the way out or waiters queued on it would never
		// resolve.
		s.mu.Unlock()
		if held != nil {
			held.Unlock()
		}
		return false, nil
	}
	if rec.LeaseToken != leaseToken {
		// The sweep reclaimed the key and another execution re-leased
		// it. The new holder's lock is a different instance; only the
		// orphaned one is released.
		s.mu.Unlock()
		if held != nil {
			held.Unlock()
		}
		return false, nil
	}

	rec.State = state
	rec.Response = response.Clone()
	rec.ExecutionTimeMS = executionTimeMS
	s.mu.Unlock()

	// A repeat transition with a still-valid token finds no lease entry
	// and releases nothing.
	if held != nil {
		held.Unlock()
	}
	return true, nil
}

// CleanupExpired removes expired records and retires their per-key
// locks. A lock still held (an execution running past its TTL) is
// dropped from the key map without being unlocked, so the key takes a
// fresh mutex on the next lease attempt instead of queueing behind the
// straggler; the straggler's own transition releases the orphaned
// instance it captured at grant time.
func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if !rec.Expired(now) {
			continue
		}
		delete(s.records, key)
		removed++

		if lk, ok := s.locks[key]; ok {
			if lk.TryLock() {
				lk.Unlock()
			}
			delete(s.locks, key)
		}
	}
	return removed, nil
}

// Len reports the number of live records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
