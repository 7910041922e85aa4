// Package httpadapter bridges net/http handlers into the idempotency
// middleware: the downstream handler's response is buffered, handed to
// the state machine for persistence, and the resolved response (fresh or
// replayed) is what actually reaches the wire.
package httpadapter

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"keygate/pkg/keygate"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger for storage failures and handler errors.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithTraceHeader names a request header whose value is stored on the
// idempotency record as a correlation ID. Empty disables extraction.
func WithTraceHeader(name string) Option {
	return func(a *Adapter) { a.traceHeader = name }
}

// Adapter wraps http.Handlers with idempotency processing.
type Adapter struct {
	mw          *keygate.Middleware
	logger      *slog.Logger
	traceHeader string
}

// New builds an adapter over the given middleware.
func New(mw *keygate.Middleware, opts ...Option) *Adapter {
	a := &Adapter{
		mw:          mw,
		logger:      slog.Default(),
		traceHeader: "X-Request-Id",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Wrap returns a handler that routes every request through the
// idempotency middleware before (or instead of) invoking next.
func (a *Adapter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := a.readBody(r)
		if err != nil {
			a.logger.ErrorContext(r.Context(), "failed to read request body", "error", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		req := &keygate.Request{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryString: r.URL.RawQuery,
			Headers:     flattenHeader(r.Header),
			Body:        body,
		}

		handler := func(ctx context.Context, _ *keygate.Request) (*keygate.Response, error) {
			// The downstream handler gets a fresh body reader and a
			// buffering writer; nothing reaches the wire until the
			// state machine has persisted the outcome.
			r.Body = io.NopCloser(bytes.NewReader(body))
			rec := newRecorder()
			next.ServeHTTP(rec, r.WithContext(ctx))
			return rec.response(), nil
		}

		var traceID string
		if a.traceHeader != "" {
			traceID = r.Header.Get(a.traceHeader)
		}

		resp, err := a.mw.ProcessWithTrace(r.Context(), req, handler, traceID)
		if resp == nil {
			a.logger.ErrorContext(r.Context(), "idempotency processing failed", "error", err)
			http.Error(w, "Internal error: idempotency storage unavailable", http.StatusInternalServerError)
			return
		}
		if err != nil {
			// The response is the persisted error shape; the error is
			// logged here because the client only sees the body.
			a.logger.ErrorContext(r.Context(), "handler failed under idempotency lease", "error", err)
		}
		writeResponse(w, resp)
	})
}

func (a *Adapter) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	var reader io.Reader = r.Body
	if max := a.mw.Config().MaxBodyBytes; max > 0 {
		// One extra byte so the core's size check still sees "too big".
		reader = io.LimitReader(r.Body, max+1)
	}
	return io.ReadAll(reader)
}

func writeResponse(w http.ResponseWriter, resp *keygate.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// flattenHeader folds multi-valued headers into the comma-joined form
// the fingerprint and the stored record use.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// recorder is a buffering http.ResponseWriter. It never touches the real
// connection; the adapter decides later what gets written.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) response() *keygate.Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &keygate.Response{
		Status:  status,
		Headers: flattenHeader(r.header),
		Body:    r.body.Bytes(),
	}
}
