package keygate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============ Lease Acquisition ============

func TestMemoryStore_LeaseGrantedOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.PutNewRunning(ctx, "k1", "fp", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.LeaseToken == "" {
		t.Fatalf("first lease not granted: %+v", res)
	}

	// Complete so the per-key lock is free, then try again.
	ok, err := store.Complete(ctx, "k1", res.LeaseToken, NewStoredResponse(200, nil, nil), 5)
	if err != nil || !ok {
		t.Fatalf("complete failed: ok=%v err=%v", ok, err)
	}

	res2, err := store.PutNewRunning(ctx, "k1", "fp", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Success {
		t.Error("second lease granted while record exists")
	}
	if res2.Existing == nil || res2.Existing.State != StateCompleted {
		t.Errorf("denied lease should carry the completed record, got %+v", res2.Existing)
	}
}

func TestMemoryStore_ConcurrentLeaseRace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.PutNewRunning(ctx, "contended", "fp", time.Minute, "")
			if err != nil {
				t.Errorf("lease attempt error: %v", err)
				return
			}
			if res.Success {
				granted.Add(1)
				// Winner completes so blocked racers can resolve.
				store.Complete(ctx, "contended", res.LeaseToken, NewStoredResponse(200, nil, nil), 1)
			} else if res.Existing == nil {
				t.Error("denied lease without an existing record")
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("%d leases granted, want exactly 1", granted.Load())
	}
}

// ============ Token-Validated Transitions ============

func TestMemoryStore_CompleteWrongToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, _ := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")

	ok, err := store.Complete(ctx, "k", "not-the-token", NewStoredResponse(200, nil, nil), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("complete succeeded with the wrong token")
	}

	rec, _ := store.Get(ctx, "k")
	if rec.State != StateRunning {
		t.Errorf("state = %s after rejected transition, want RUNNING", rec.State)
	}

	// The real holder still can.
	ok, _ = store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, nil), 1)
	if !ok {
		t.Error("valid token rejected")
	}
}

func TestMemoryStore_FailTransition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, _ := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")
	ok, err := store.Fail(ctx, "k", res.LeaseToken, NewStoredResponse(500, nil, []byte("boom")), 3)
	if err != nil || !ok {
		t.Fatalf("fail transition: ok=%v err=%v", ok, err)
	}

	rec, _ := store.Get(ctx, "k")
	if rec.State != StateFailed {
		t.Errorf("state = %s, want FAILED", rec.State)
	}
	if rec.Response == nil || rec.Response.Status != 500 {
		t.Errorf("stored response = %+v", rec.Response)
	}
	if rec.ExecutionTimeMS != 3 {
		t.Errorf("execution time = %d, want 3", rec.ExecutionTimeMS)
	}
}

func TestMemoryStore_RepeatedCompleteOverwrites(t *testing.T) {
	// A retry of Complete with a still-valid token is permitted and
	// overwrites the stored response.
	store := NewMemoryStore()
	ctx := context.Background()

	res, _ := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")
	if ok, _ := store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, []byte("first")), 1); !ok {
		t.Fatal("first complete rejected")
	}
	if ok, _ := store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, []byte("second")), 2); !ok {
		t.Fatal("second complete with valid token rejected")
	}

	rec, _ := store.Get(ctx, "k")
	body, _ := rec.Response.BodyBytes()
	if string(body) != "second" {
		t.Errorf("stored body = %q, want second", body)
	}
}

func TestMemoryStore_RepeatedCompleteLeavesOtherLocksAlone(t *testing.T) {
	// A repeat Complete with a still-valid token releases nothing: the
	// per-key mutex may already be held by a racer inside its
	// lease-or-deny window, and unlocking it out from under that racer
	// would make the racer's own unlock panic.
	store := NewMemoryStore()
	ctx := context.Background()

	res, _ := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")
	if ok, _ := store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, []byte("first")), 1); !ok {
		t.Fatal("first complete rejected")
	}

	// Stand in for a racer that acquired the key's mutex after the
	// first completion released it.
	store.mu.Lock()
	lk := store.locks["k"]
	store.mu.Unlock()
	if lk == nil {
		t.Fatal("no lock entry for key")
	}
	lk.Lock()

	if ok, _ := store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, []byte("second")), 2); !ok {
		t.Fatal("second complete with valid token rejected")
	}

	if lk.TryLock() {
		lk.Unlock()
		t.Fatal("repeat completion released a mutex held by another goroutine")
	}
	lk.Unlock()
}

// ============ Reads ============

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil for missing key, got %+v", rec)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.PutNewRunning(ctx, "k", "fp", time.Minute, "")

	rec, _ := store.Get(ctx, "k")
	rec.State = StateFailed
	rec.Fingerprint = "tampered"

	fresh, _ := store.Get(ctx, "k")
	if fresh.State != StateRunning || fresh.Fingerprint != "fp" {
		t.Error("mutating a returned record leaked into the store")
	}
}

func TestMemoryStore_GetDoesNotFilterExpired(t *testing.T) {
	// Expired-but-unswept records stay visible; only the sweep removes
	// them.
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutNewRunning(ctx, "k", "fp", time.Millisecond, "")
	time.Sleep(10 * time.Millisecond)

	rec, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expired record filtered by Get before any sweep")
	}
	if !rec.Expired(time.Now()) {
		t.Error("record should report expired")
	}
}

// ============ Expiry Sweep ============

func TestMemoryStore_CleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	resShort, _ := store.PutNewRunning(ctx, "short", "fp", time.Millisecond, "")
	store.Complete(ctx, "short", resShort.LeaseToken, NewStoredResponse(200, nil, nil), 1)
	resLong, _ := store.PutNewRunning(ctx, "long", "fp", time.Hour, "")
	store.Complete(ctx, "long", resLong.LeaseToken, NewStoredResponse(200, nil, nil), 1)

	time.Sleep(10 * time.Millisecond)

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if rec, _ := store.Get(ctx, "short"); rec != nil {
		t.Error("expired record survived the sweep")
	}
	if rec, _ := store.Get(ctx, "long"); rec == nil {
		t.Error("live record removed by the sweep")
	}
}

func TestMemoryStore_CleanupReclaimsHeldKey(t *testing.T) {
	// An execution running past its TTL: the sweep removes the record
	// and retires the held lock, so a retry gets a fresh lease
	// immediately instead of queueing behind the straggler forever.
	store := NewMemoryStore()
	ctx := context.Background()

	stale, _ := store.PutNewRunning(ctx, "k", "fp", time.Millisecond, "")
	if !stale.Success {
		t.Fatal("initial lease denied")
	}
	time.Sleep(10 * time.Millisecond)

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	type leaseOutcome struct {
		res *LeaseResult
		err error
	}
	done := make(chan leaseOutcome, 1)
	go func() {
		res, err := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")
		done <- leaseOutcome{res, err}
	}()

	var fresh *LeaseResult
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatal(out.err)
		}
		if !out.res.Success {
			t.Fatalf("re-lease denied after sweep: %+v", out.res)
		}
		fresh = out.res
	case <-time.After(2 * time.Second):
		t.Fatal("re-lease after sweep blocked on the straggler's lock")
	}

	// The straggler finally finishes: its token is dead and its late
	// completion must not disturb the new holder.
	if ok, _ := store.Complete(ctx, "k", stale.LeaseToken, NewStoredResponse(200, nil, []byte("stale")), 1); ok {
		t.Error("stale token completed the new record")
	}
	if ok, _ := store.Complete(ctx, "k", fresh.LeaseToken, NewStoredResponse(201, nil, []byte("fresh")), 1); !ok {
		t.Error("fresh lease could not complete")
	}

	rec, _ := store.Get(ctx, "k")
	if rec == nil || rec.State != StateCompleted || rec.Response.Status != 201 {
		t.Errorf("final record = %+v", rec)
	}
}

func TestMemoryStore_CompleteAfterSweepReleasesOwnLock(t *testing.T) {
	// Sweep removes the record first, then the straggler completes: the
	// completion misses (record gone) and releases the straggler's own
	// lock so nothing stays parked on it.
	store := NewMemoryStore()
	ctx := context.Background()

	res, _ := store.PutNewRunning(ctx, "k", "fp", time.Millisecond, "")
	time.Sleep(10 * time.Millisecond)

	if removed, _ := store.CleanupExpired(ctx); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if ok, _ := store.Complete(ctx, "k", res.LeaseToken, NewStoredResponse(200, nil, nil), 1); ok {
		t.Error("complete succeeded for a swept record")
	}

	res2, err := store.PutNewRunning(ctx, "k", "fp", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Success {
		t.Fatal("key not leasable after sweep and late completion")
	}
}

// ============ Crash Recovery ============

func TestMemoryStore_CrashRecovery(t *testing.T) {
	// Simulate a crash mid-execution: a RUNNING record exists but its
	// holder is gone and never finishes.
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.mu.Lock()
	store.records["orphan"] = &IdempotencyRecord{
		Key:         "orphan",
		Fingerprint: "fp",
		State:       StateRunning,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
		LeaseToken:  "dead-token",
	}
	store.mu.Unlock()

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	// A retry can acquire a fresh lease.
	res, err := store.PutNewRunning(ctx, "orphan", "fp", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatal("lease denied after orphan reclamation")
	}

	// The dead holder's token is useless against the new record.
	if ok, _ := store.Complete(ctx, "orphan", "dead-token", NewStoredResponse(200, nil, nil), 1); ok {
		t.Error("dead token completed the new record")
	}
}
