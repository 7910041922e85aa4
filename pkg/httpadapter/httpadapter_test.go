package httpadapter

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"keygate/pkg/keygate"
)

func newTestHandler(t *testing.T, calls *atomic.Int32) http.Handler {
	t.Helper()
	mw, err := keygate.New(keygate.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}

	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"execution":%d}`, n)
	})

	return New(mw).Wrap(backend)
}

// ============ net/http Adapter ============

func TestWrap_FreshThenReplay(t *testing.T) {
	var calls atomic.Int32
	handler := newTestHandler(t, &calls)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/payments", strings.NewReader(`{"amount":100}`))
		req.Header.Set("Idempotency-Key", "http-key-1")
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", first.Code)
	}
	if got := first.Header().Get(keygate.ReplayHeader); got != "false" {
		t.Errorf("replay header = %q, want false", got)
	}

	second := do()
	if calls.Load() != 1 {
		t.Errorf("backend ran %d times, want 1", calls.Load())
	}
	if got := second.Header().Get(keygate.ReplayHeader); got != "true" {
		t.Errorf("replay header = %q, want true", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if got := second.Header().Get(keygate.KeyHeader); got != "http-key-1" {
		t.Errorf("key echo = %q", got)
	}
}

func TestWrap_SafeMethodBypassed(t *testing.T) {
	var calls atomic.Int32
	handler := newTestHandler(t, &calls)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Idempotency-Key", "ignored")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Header().Get(keygate.ReplayHeader) != "" {
			t.Error("safe method response carries replay header")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("backend ran %d times, want 2", calls.Load())
	}
}

func TestWrap_ConflictingReuse(t *testing.T) {
	var calls atomic.Int32
	handler := newTestHandler(t, &calls)

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/payments", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "http-key-c")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	do(`{"amount":100}`)
	conflict := do(`{"amount":999}`)

	if conflict.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", conflict.Code)
	}
	if !strings.HasPrefix(conflict.Body.String(), "Request conflict:") {
		t.Errorf("body = %q", conflict.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("backend ran %d times, want 1", calls.Load())
	}
}

func TestWrap_BackendBodyNotWrittenTwice(t *testing.T) {
	// The buffering recorder must be the only writer the backend sees;
	// the replayed body comes from storage, not from a second execution.
	var calls atomic.Int32
	handler := newTestHandler(t, &calls)

	req := httptest.NewRequest("POST", "/api/payments", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "http-key-b")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != `{"execution":1}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}
