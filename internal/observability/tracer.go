// Package observability provides the cross-cutting instrumentation surface:
// a span tracer, a correlation-tagged structured log store, a bottleneck
// profiler, and a derived system health score.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span statuses.
const (
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
)

// Span is one timed unit of work. Spans sharing a trace ID form a tree.
type Span struct {
	SpanID       string            `json:"span_id"`
	TraceID      string            `json:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Operation    string            `json:"operation"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time,omitempty"`
	Status       string            `json:"status,omitempty"`
	Error        string            `json:"error,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Logs         []SpanLog         `json:"logs,omitempty"`
}

// SpanLog is one timestamped annotation on a span.
type SpanLog struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Duration is the span's elapsed time, or time since start while open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

type ctxKey int

const spanCtxKey ctxKey = 0

// SpanFromContext returns the current span carried by the context, if any.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(spanCtxKey).(*Span)
	return s, ok
}

// finishedSpanCapacity bounds the retained finished-span ring.
const finishedSpanCapacity = 2000

// Tracer starts, finishes, and retains spans. Nesting is automatic: a span
// started from a context that already carries a span becomes its child and
// joins its trace.
type Tracer struct {
	mu       sync.RWMutex
	active   map[string]*Span
	finished []*Span
}

// NewTracer creates an empty tracer.
func NewTracer() *Tracer {
	return &Tracer{active: make(map[string]*Span)}
}

// StartSpan opens a span for the operation. If the context carries a span,
// the new span joins its trace as a child; otherwise a new trace begins.
// The returned context carries the new span for further nesting.
func (t *Tracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	span := &Span{
		SpanID:    uuid.NewString(),
		Operation: operation,
		StartTime: time.Now(),
	}
	if parent, ok := SpanFromContext(ctx); ok {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	} else {
		span.TraceID = uuid.NewString()
	}

	t.mu.Lock()
	t.active[span.SpanID] = span
	t.mu.Unlock()
	return context.WithValue(ctx, spanCtxKey, span), span
}

// FinishSpan closes the span with a status. err may be nil. Finishing an
// already finished or unknown span is a no-op.
func (t *Tracer) FinishSpan(span *Span, status string, err error) {
	if span == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[span.SpanID]; !ok {
		return
	}
	delete(t.active, span.SpanID)

	span.EndTime = time.Now()
	span.Status = status
	if err != nil {
		span.Status = SpanStatusError
		span.Error = err.Error()
	}
	t.finished = append(t.finished, span)
	if len(t.finished) > finishedSpanCapacity {
		t.finished = t.finished[len(t.finished)-finishedSpanCapacity:]
	}
}

// Trace runs fn inside a span, finishing it with the returned error's
// status. A panic finishes the span as an error before re-panicking.
func (t *Tracer) Trace(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	sctx, span := t.StartSpan(ctx, operation)
	defer func() {
		if r := recover(); r != nil {
			t.FinishSpan(span, SpanStatusError, nil)
			panic(r)
		}
	}()
	err := fn(sctx)
	if err != nil {
		t.FinishSpan(span, SpanStatusError, err)
		return err
	}
	t.FinishSpan(span, SpanStatusOK, nil)
	return nil
}

// AnnotateSpan appends a log line to an active span.
func (t *Tracer) AnnotateSpan(span *Span, message string) {
	if span == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	span.Logs = append(span.Logs, SpanLog{Time: time.Now(), Message: message})
}

// SetTag sets a tag on a span.
func (t *Tracer) SetTag(span *Span, key, value string) {
	if span == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if span.Tags == nil {
		span.Tags = make(map[string]string)
	}
	span.Tags[key] = value
}

// GetTrace returns all finished spans of a trace, parents before children.
func (t *Tracer) GetTrace(traceID string) []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var spans []*Span
	for _, s := range t.finished {
		if s.TraceID == traceID {
			copied := *s
			spans = append(spans, &copied)
		}
	}
	// Finished order is children-first for nested spans; emit roots first.
	ordered := make([]*Span, 0, len(spans))
	var emit func(parentID string)
	emit = func(parentID string) {
		for _, s := range spans {
			if s.ParentSpanID == parentID {
				ordered = append(ordered, s)
				emit(s.SpanID)
			}
		}
	}
	emit("")
	if len(ordered) < len(spans) {
		// Orphans whose parent never finished still belong to the trace.
		seen := make(map[string]bool, len(ordered))
		for _, s := range ordered {
			seen[s.SpanID] = true
		}
		for _, s := range spans {
			if !seen[s.SpanID] {
				ordered = append(ordered, s)
			}
		}
	}
	return ordered
}

// FinishedSince returns copies of spans finished within the window.
func (t *Tracer) FinishedSince(since time.Time) []Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var spans []Span
	for _, s := range t.finished {
		if s.EndTime.After(since) {
			spans = append(spans, *s)
		}
	}
	return spans
}

// ActiveCount returns the number of open spans.
func (t *Tracer) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}
