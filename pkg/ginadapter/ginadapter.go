// Package ginadapter plugs the idempotency middleware into gin. The rest
// of the chain writes into a capture buffer; the resolved response,
// fresh or replayed, is what the adapter commits to the real writer.
package ginadapter

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"keygate/pkg/keygate"
)

// Option configures the middleware handler.
type Option func(*adapter)

// WithLogger sets the logger for storage failures and handler errors.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *adapter) { a.logger = logger }
}

// WithTraceHeader names a request header whose value is stored on the
// idempotency record as a correlation ID. Empty disables extraction.
func WithTraceHeader(name string) Option {
	return func(a *adapter) { a.traceHeader = name }
}

type adapter struct {
	mw          *keygate.Middleware
	logger      *slog.Logger
	traceHeader string
}

// Middleware returns a gin.HandlerFunc enforcing at-most-once execution
// for the rest of the handler chain.
//
//	router := gin.New()
//	router.Use(ginadapter.Middleware(mw))
func Middleware(mw *keygate.Middleware, opts ...Option) gin.HandlerFunc {
	a := &adapter{
		mw:          mw,
		logger:      slog.Default(),
		traceHeader: "X-Request-Id",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a.handle
}

func (a *adapter) handle(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			a.logger.ErrorContext(c.Request.Context(), "failed to read request body", "error", err)
			c.String(http.StatusBadRequest, "failed to read request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	req := &keygate.Request{
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		QueryString: c.Request.URL.RawQuery,
		Headers:     flattenHeader(c.Request.Header),
		Body:        body,
	}

	handler := func(ctx context.Context, _ *keygate.Request) (*keygate.Response, error) {
		capture := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
		c.Writer = capture.ResponseWriter

		headers := make(map[string]string)
		for k, vs := range capture.Header() {
			headers[k] = strings.Join(vs, ", ")
		}
		return &keygate.Response{
			Status:  capture.Status(),
			Headers: headers,
			Body:    capture.body.Bytes(),
		}, nil
	}

	var traceID string
	if a.traceHeader != "" {
		traceID = c.GetHeader(a.traceHeader)
	}

	resp, err := a.mw.ProcessWithTrace(c.Request.Context(), req, handler, traceID)
	if resp == nil {
		a.logger.ErrorContext(c.Request.Context(), "idempotency processing failed", "error", err)
		c.String(http.StatusInternalServerError, "Internal error: idempotency storage unavailable")
		c.Abort()
		return
	}
	if err != nil {
		a.logger.ErrorContext(c.Request.Context(), "handler failed under idempotency lease", "error", err)
	}

	for k, v := range resp.Headers {
		c.Writer.Header().Set(k, v)
	}
	c.Writer.WriteHeader(resp.Status)
	c.Writer.Write(resp.Body)
	c.Abort()
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// captureWriter buffers everything the handler chain writes so the
// state machine can persist it before anything reaches the client.
type captureWriter struct {
	gin.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
}

// WriteHeaderNow would flush the status to the wire; capturing means
// deliberately not doing that.
func (w *captureWriter) WriteHeaderNow() {}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *captureWriter) Status() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *captureWriter) Size() int {
	return w.body.Len()
}

func (w *captureWriter) Written() bool {
	return w.statusCode != 0 || w.body.Len() > 0
}
