package keygate

import (
	"context"
	"fmt"
	"time"
)

// stateResult is the resolved outcome of running one keyed request
// through the state machine.
type stateResult struct {
	response        *Response
	replayed        bool
	executionTimeMS int64 // -1 when no handler ran
	outcome         string
	handlerErr      error
}

// processKey resolves a keyed request: replay a terminal record, wait on
// or reject a running one, or acquire the lease and execute.
func (m *Middleware) processKey(ctx context.Context, key, fingerprint string, req *Request, handler Handler, traceID string) (*stateResult, error) {
	record, err := m.storage.Get(ctx, key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Cause: err}
	}

	switch {
	case record == nil:
		return m.handleNew(ctx, key, fingerprint, req, handler, traceID)
	case record.State.Terminal():
		return m.replayOrConflict(record, key, fingerprint)
	case record.State == StateRunning:
		return m.handleRunning(ctx, record, key, fingerprint)
	default:
		return nil, fmt.Errorf("keygate: record %s in unexpected state %q", key, record.State)
	}
}

// handleNew races for the lease. Losing the race is routine under
// concurrent duplicates: the loser falls through to the same replay or
// wait paths a later arrival would take.
func (m *Middleware) handleNew(ctx context.Context, key, fingerprint string, req *Request, handler Handler, traceID string) (*stateResult, error) {
	leaseStart := m.now()
	lease, err := m.storage.PutNewRunning(ctx, key, fingerprint, m.config.TTL(), traceID)
	if err != nil {
		return nil, &StorageError{Op: "put_new_running", Key: key, Cause: err}
	}

	event := &LeaseAttemptEvent{
		Key:      key,
		Acquired: lease.Success,
		Latency:  m.now().Sub(leaseStart),
	}
	if lease.Existing != nil {
		event.ExistingState = lease.Existing.State
	}
	m.observer.OnLeaseAttempt(ctx, event)

	if !lease.Success {
		existing := lease.Existing
		if existing == nil {
			return nil, fmt.Errorf("keygate: lease denied for %s without an existing record", key)
		}
		if existing.State.Terminal() {
			return m.replayOrConflict(existing, key, fingerprint)
		}
		return m.handleRunning(ctx, existing, key, fingerprint)
	}

	return m.execute(ctx, key, lease.LeaseToken, req, handler)
}

// execute runs the handler under a held lease and persists the outcome.
func (m *Middleware) execute(ctx context.Context, key, token string, req *Request, handler Handler) (*stateResult, error) {
	start := m.now()
	resp, err := m.invokeHandler(ctx, req, handler)
	elapsed := m.now().Sub(start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	if err != nil {
		body := "Internal error: " + err.Error()
		stored := NewStoredResponse(500, map[string]string{"content-type": "text/plain"}, []byte(body))
		if _, ferr := m.storage.Fail(ctx, key, token, stored, elapsed); ferr != nil {
			err = fmt.Errorf("%w (persisting failure: %v)", err, ferr)
		}
		return &stateResult{
			response:        textResponse(500, body, nil),
			executionTimeMS: elapsed,
			outcome:         ResultError,
			handlerErr:      err,
		}, nil
	}

	stored := NewStoredResponse(resp.Status, resp.Headers, resp.Body)
	if _, cerr := m.storage.Complete(ctx, key, token, stored, elapsed); cerr != nil {
		// The handler already ran; failing here would hide its result
		// behind an error the client cannot act on. Return the fresh
		// response, it just will not be replayable.
		return &stateResult{
			response:        resp,
			executionTimeMS: elapsed,
			outcome:         ResultNew,
			handlerErr:      &StorageError{Op: "complete", Key: key, Cause: cerr},
		}, nil
	}

	return &stateResult{
		response:        resp,
		executionTimeMS: elapsed,
		outcome:         ResultNew,
	}, nil
}

func (m *Middleware) invokeHandler(ctx context.Context, req *Request, handler Handler) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	resp, err = handler(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("handler returned no response")
	}
	return resp, err
}

// replayOrConflict resolves a terminal record: replay when the
// fingerprint matches, conflict when it does not. Both the fresh-lookup
// and lost-race paths funnel through here so key reuse is rejected
// identically regardless of timing.
func (m *Middleware) replayOrConflict(record *IdempotencyRecord, key, fingerprint string) (*stateResult, error) {
	if record.Fingerprint != fingerprint {
		return nil, &ConflictError{
			Key:                key,
			StoredFingerprint:  record.Fingerprint,
			RequestFingerprint: fingerprint,
		}
	}
	resp, err := ReplayResponse(record, key)
	if err != nil {
		return nil, err
	}
	return &stateResult{
		response:        resp,
		replayed:        true,
		executionTimeMS: record.ExecutionTimeMS,
		outcome:         ResultReplay,
	}, nil
}

// handleRunning deals with a duplicate arriving while the first request
// for the key is still executing. Fingerprint mismatches conflict even
// mid-flight; matches either wait for the result or are turned away,
// depending on policy.
func (m *Middleware) handleRunning(ctx context.Context, record *IdempotencyRecord, key, fingerprint string) (*stateResult, error) {
	if record.Fingerprint != fingerprint {
		return nil, &ConflictError{
			Key:                key,
			StoredFingerprint:  record.Fingerprint,
			RequestFingerprint: fingerprint,
		}
	}

	if m.config.WaitPolicy == PolicyNoWait {
		return &stateResult{
			response: textResponse(409, "Request is currently being processed", map[string]string{
				"retry-after": "5",
			}),
			executionTimeMS: -1,
			outcome:         ResultRejected,
		}, nil
	}

	return m.waitForResult(ctx, key)
}

// waitForResult polls storage until the in-flight execution reaches a
// terminal state or the execution timeout elapses. The fingerprint was
// already verified against the RUNNING record, so a terminal result is
// replayed without re-checking.
func (m *Middleware) waitForResult(ctx context.Context, key string) (*stateResult, error) {
	deadline := m.now().Add(m.config.ExecutionTimeout())
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for m.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		record, err := m.storage.Get(ctx, key)
		if err != nil {
			return nil, &StorageError{Op: "get", Key: key, Cause: err}
		}
		if record == nil {
			// Swept mid-wait; the executor is gone and nothing will
			// arrive. Treat it like a timeout and let the client retry.
			break
		}
		if record.State.Terminal() {
			resp, err := ReplayResponse(record, key)
			if err != nil {
				return nil, err
			}
			return &stateResult{
				response:        resp,
				replayed:        true,
				executionTimeMS: record.ExecutionTimeMS,
				outcome:         ResultReplay,
			}, nil
		}
	}

	return &stateResult{
		response: textResponse(425, "Execution timeout - request still processing", map[string]string{
			"retry-after": "10",
		}),
		executionTimeMS: -1,
		outcome:         ResultTimeout,
	}, nil
}
