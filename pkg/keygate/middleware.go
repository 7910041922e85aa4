package keygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is the abstract request consumed from a protocol adapter.
// Adapters translate their framework's request type into this shape;
// the core never touches the wire directly.
type Request struct {
	Method      string
	Path        string
	QueryString string // no leading '?'
	Headers     map[string]string
	Body        []byte
}

// Response is the abstract response handed back to the protocol adapter.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Handler executes the wrapped operation. The middleware invokes it at
// most once per successful lease.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Safe methods bypass the state machine entirely: no key extraction, no
// storage interaction, no replay headers.
var safeMethods = map[string]struct{}{
	"GET":     {},
	"HEAD":    {},
	"OPTIONS": {},
	"TRACE":   {},
}

// Middleware guarantees at-most-once execution for unsafe requests
// carrying an idempotency key. It orchestrates lease acquisition,
// conflict detection, wait-policy handling, handler invocation, and
// result persistence on top of a Storage backend.
type Middleware struct {
	storage  Storage
	config   Config
	observer Observer
	now      func() time.Time
	enabled  map[string]struct{}
}

// New builds a Middleware over the given storage backend.
//
//	store := keygate.NewMemoryStore()
//	mw, err := keygate.New(store,
//		keygate.WithConfig(cfg),
//		keygate.WithObserver(keygate.NewSlogObserver(logger, slog.LevelInfo)),
//	)
func New(storage Storage, opts ...Option) (*Middleware, error) {
	if storage == nil {
		return nil, errors.New("keygate: storage is required")
	}
	m := &Middleware{
		storage:  storage,
		config:   DefaultConfig(),
		observer: NoOpObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.observer == nil {
		m.observer = NoOpObserver{}
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	m.enabled = make(map[string]struct{}, len(m.config.EnabledMethods))
	for _, method := range m.config.EnabledMethods {
		m.enabled[method] = struct{}{}
	}
	return m, nil
}

// Config returns the validated, normalized configuration.
func (m *Middleware) Config() Config {
	return m.config
}

// Process runs one request through the idempotency state machine.
//
// Safe-method requests and requests without a key header call the
// handler directly. Everything else resolves to a well-formed response:
// fresh execution, verbatim replay, 409 conflict, 409 no-wait rejection,
// 425 wait timeout, or a 500 describing a validation failure or cached
// handler error. Only storage-layer failures (and context cancellation)
// return a nil response with an error; those are fail-closed because
// executing anyway could duplicate the operation.
//
// When the handler itself fails, its error is returned alongside the
// persisted error response so adapters can both render and log it.
func (m *Middleware) Process(ctx context.Context, req *Request, handler Handler) (*Response, error) {
	return m.ProcessWithTrace(ctx, req, handler, "")
}

// ProcessWithTrace is Process with a correlation identifier that is
// stored on the record but has no effect on state transitions.
func (m *Middleware) ProcessWithTrace(ctx context.Context, req *Request, handler Handler, traceID string) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if _, safe := safeMethods[method]; safe {
		return handler(ctx, req)
	}
	if _, tracked := m.enabled[method]; !tracked {
		return handler(ctx, req)
	}

	key, ok := HeaderValue(req.Headers, m.config.KeyHeaderName)
	if !ok {
		// Idempotency is opt-in per request.
		return handler(ctx, req)
	}
	key = strings.TrimSpace(key)

	start := m.now()
	m.observer.OnRequestStart(ctx, &RequestStartEvent{
		Key:       key,
		Method:    method,
		Path:      req.Path,
		StartTime: start,
	})

	if verr := m.validateInput(key, req); verr != nil {
		resp := textResponse(500, "Idempotency error: "+verr.Error(), nil)
		m.endRequest(ctx, key, ResultError, resp.Status, false, start, -1, verr)
		return resp, nil
	}

	fingerprint := Fingerprint(method, req.Path, req.QueryString, req.Headers, req.Body, m.config.FingerprintHeaders)

	res, err := m.processKey(ctx, key, fingerprint, req, handler, traceID)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			resp := textResponse(409, "Request conflict: "+conflict.Error(), map[string]string{KeyHeader: key})
			m.endRequest(ctx, key, ResultConflict, resp.Status, false, start, -1, nil)
			return resp, nil
		}
		m.endRequest(ctx, key, ResultError, 0, false, start, -1, err)
		return nil, err
	}

	resp := res.response
	if !res.replayed {
		resp.Headers = AddReplayHeaders(resp.Headers, key, false)
	}
	m.endRequest(ctx, key, res.outcome, resp.Status, res.replayed, start, res.executionTimeMS, res.handlerErr)
	return resp, res.handlerErr
}

func (m *Middleware) validateInput(key string, req *Request) error {
	if key == "" {
		return &ValidationError{Message: "idempotency key cannot be empty"}
	}
	if len(key) > m.config.MaxKeyLength {
		return &ValidationError{Message: fmt.Sprintf("idempotency key exceeds maximum length of %d", m.config.MaxKeyLength)}
	}
	if m.config.MaxBodyBytes > 0 && int64(len(req.Body)) > m.config.MaxBodyBytes {
		return &ValidationError{Message: fmt.Sprintf("request body exceeds maximum size of %d bytes", m.config.MaxBodyBytes)}
	}
	return nil
}

func (m *Middleware) endRequest(ctx context.Context, key, result string, status int, replayed bool, start time.Time, execMS int64, err error) {
	m.observer.OnRequestEnd(ctx, &RequestEndEvent{
		Key:             key,
		Result:          result,
		Status:          status,
		Replayed:        replayed,
		Duration:        m.now().Sub(start),
		ExecutionTimeMS: execMS,
		Error:           err,
	})
}

func textResponse(status int, body string, extra map[string]string) *Response {
	headers := map[string]string{"content-type": "text/plain"}
	for k, v := range extra {
		headers[k] = v
	}
	return &Response{Status: status, Headers: headers, Body: []byte(body)}
}
