// Package trace carries W3C-style trace and span ids through contexts so that
// log lines from one monitoring session, one cycle or one request correlate.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Header and metadata keys used for propagation.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type ctxKey struct{}

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a root context with fresh ids.
func New() Context {
	return Context{TraceID: randomHex(16), SpanID: randomHex(8)}
}

// NewChild creates a child of parent in the same trace.
func NewChild(parent Context) Context {
	return Context{TraceID: parent.TraceID, SpanID: randomHex(8), ParentSpanID: parent.SpanID}
}

// FromContext extracts the trace context, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// WithContext stores tc in ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// continueFrom builds the server-side context for an incoming request
// carrying the caller's trace and span ids (either may be empty).
func continueFrom(traceID, callerSpan string) Context {
	if traceID == "" {
		traceID = randomHex(16)
	}
	return Context{TraceID: traceID, SpanID: randomHex(8), ParentSpanID: callerSpan}
}

// randomHex returns n random bytes hex-encoded (16 for trace ids, 8 for span ids).
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Span is a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
}

// StartSpan begins a span as a child of the context's span, or a new trace.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tc := New()
	if parent, ok := FromContext(ctx); ok && parent.TraceID != "" {
		tc = NewChild(parent)
	}
	s := &Span{Name: name, Ctx: tc, StartTime: time.Now(), attrs: make(map[string]any)}
	return WithContext(ctx, tc), s
}

// End marks the span complete.
func (s *Span) End() {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.mu.Unlock()
}

// SetAttr records an attribute.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	s.attrs[key] = val
	s.mu.Unlock()
}

// Attrs returns a copy of the recorded attributes.
func (s *Span) Attrs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.attrs)
}

// Duration returns the span duration, zero until End.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("span_name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	if s.Ctx.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parent_span_id", s.Ctx.ParentSpanID))
	}
	for k, v := range s.Attrs() {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger annotated with the context's trace ids.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	args := []any{"trace_id", tc.TraceID, "span_id", tc.SpanID}
	if tc.ParentSpanID != "" {
		args = append(args, "parent_span_id", tc.ParentSpanID)
	}
	return slog.Default().With(args...)
}
