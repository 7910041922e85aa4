package keygate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Janitor periodically sweeps expired records out of a Storage backend.
// Backends with native expiry (Redis) still benefit: the sweep catches
// records whose embedded deadline and backend TTL drifted apart, and it
// is the only expiry mechanism for the memory, file, and SQL stores.
type Janitor struct {
	storage  Storage
	interval time.Duration
	observer Observer

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor builds a janitor sweeping storage every interval. A nil
// observer disables event reporting.
func NewJanitor(storage Storage, interval time.Duration, observer Observer) *Janitor {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Janitor{
		storage:  storage,
		interval: interval,
		observer: observer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine. The loop runs until
// Stop is called or ctx is cancelled. Sweep errors are reported through
// the observer and do not stop the loop. Repeated Start calls are no-ops.
func (j *Janitor) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stop:
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep and reports it.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	removed, err := j.storage.CleanupExpired(ctx)
	j.observer.OnCleanup(ctx, &CleanupEvent{
		Removed:  removed,
		Duration: time.Since(start),
		Error:    err,
	})
	return removed, err
}

// Stop terminates the sweep loop and waits for it to exit. Safe to call
// more than once and safe to call before Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stop)
	})
	if j.started.Load() {
		<-j.done
	}
}
