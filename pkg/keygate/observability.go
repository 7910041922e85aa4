package keygate

import (
	"context"
	"time"
)

// Result kinds reported on RequestEnd events.
const (
	ResultNew      = "new"      // handler executed under a fresh lease
	ResultReplay   = "replay"   // cached response returned
	ResultConflict = "conflict" // key reused with a different fingerprint
	ResultRejected = "rejected" // no-wait policy turned the duplicate away
	ResultTimeout  = "timeout"  // waiter gave up before the execution finished
	ResultError    = "error"    // handler failed or input validation failed
)

// Observer is the interface for observing middleware events.
// Implementations can emit metrics, logs, or traces to their
// observability backend.
//
// All Observer methods are called synchronously on the request path, so
// implementations should be fast and non-blocking.
type Observer interface {
	// OnRequestStart is called once a keyed unsafe request enters the
	// state machine. Bypassed requests (safe method, no key) never
	// produce events.
	OnRequestStart(ctx context.Context, event *RequestStartEvent)

	// OnRequestEnd is called when processing resolves, whatever the
	// outcome.
	OnRequestEnd(ctx context.Context, event *RequestEndEvent)

	// OnLeaseAttempt is called after every PutNewRunning call.
	OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent)

	// OnCleanup is called after every expiry sweep.
	OnCleanup(ctx context.Context, event *CleanupEvent)
}

// RequestStartEvent is emitted when a keyed request enters processing.
type RequestStartEvent struct {
	Key       string
	Method    string
	Path      string
	StartTime time.Time
}

// RequestEndEvent is emitted when processing resolves.
type RequestEndEvent struct {
	Key      string
	Result   string // one of the Result constants
	Status   int
	Replayed bool
	Duration time.Duration

	// ExecutionTimeMS is the handler wall-clock time; -1 when no handler
	// ran (replay, rejection, timeout, conflict).
	ExecutionTimeMS int64

	Error error // nil unless the handler or a validation check failed
}

// LeaseAttemptEvent is emitted after a lease acquisition attempt.
type LeaseAttemptEvent struct {
	Key      string
	Acquired bool
	// ExistingState is set when the attempt was denied.
	ExistingState RequestState
	Latency       time.Duration
}

// CleanupEvent is emitted after an expiry sweep.
type CleanupEvent struct {
	Removed  int
	Duration time.Duration
	Error    error
}

// NoOpObserver is a no-op implementation of Observer.
// Useful as a base for partial implementations.
type NoOpObserver struct{}

func (NoOpObserver) OnRequestStart(ctx context.Context, event *RequestStartEvent) {}
func (NoOpObserver) OnRequestEnd(ctx context.Context, event *RequestEndEvent)     {}
func (NoOpObserver) OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent) {}
func (NoOpObserver) OnCleanup(ctx context.Context, event *CleanupEvent)           {}

// MultiObserver fans events out to several observers in order.
type MultiObserver struct {
	Observers []Observer
}

func (m *MultiObserver) OnRequestStart(ctx context.Context, event *RequestStartEvent) {
	for _, obs := range m.Observers {
		obs.OnRequestStart(ctx, event)
	}
}

func (m *MultiObserver) OnRequestEnd(ctx context.Context, event *RequestEndEvent) {
	for _, obs := range m.Observers {
		obs.OnRequestEnd(ctx, event)
	}
}

func (m *MultiObserver) OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent) {
	for _, obs := range m.Observers {
		obs.OnLeaseAttempt(ctx, event)
	}
}

func (m *MultiObserver) OnCleanup(ctx context.Context, event *CleanupEvent) {
	for _, obs := range m.Observers {
		obs.OnCleanup(ctx, event)
	}
}
