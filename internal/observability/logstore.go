package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const correlationCtxKey ctxKey = 1

// WithCorrelationID returns a context carrying the correlation token.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey, id)
}

// CorrelationFromContext returns the correlation token carried by the
// context, if any.
func CorrelationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationCtxKey).(string)
	return id, ok
}

// StructuredLogEntry is one append-only correlated log record.
type StructuredLogEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	Level         string            `json:"level"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Component     string            `json:"component"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// LogFilter selects entries in Search. Zero-valued fields match everything.
type LogFilter struct {
	Level         string
	Component     string
	CorrelationID string
	TraceID       string
	MessageSubstr string
}

// logStoreCapacity bounds the retained entry ring.
const logStoreCapacity = 5000

// LogStore is the bounded in-memory correlated log.
type LogStore struct {
	mu      sync.RWMutex
	entries []StructuredLogEntry
}

// NewLogStore creates an empty log store.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// Append records an entry, deriving missing correlation and trace context
// from the context: an explicit correlation ID wins, then the current span's
// trace, then a fresh correlation token.
func (s *LogStore) Append(ctx context.Context, level, message, component string, metadata map[string]string) StructuredLogEntry {
	entry := StructuredLogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Component: component,
		Metadata:  metadata,
	}
	if id, ok := CorrelationFromContext(ctx); ok {
		entry.CorrelationID = id
	}
	if span, ok := SpanFromContext(ctx); ok {
		entry.TraceID = span.TraceID
		entry.SpanID = span.SpanID
		if entry.CorrelationID == "" {
			entry.CorrelationID = span.TraceID
		}
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = uuid.NewString()
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > logStoreCapacity {
		s.entries = s.entries[len(s.entries)-logStoreCapacity:]
	}
	s.mu.Unlock()
	return entry
}

// Search returns entries from the last N hours matching every set filter
// field, newest first.
func (s *LogStore) Search(filter LogFilter, hours int) []StructuredLogEntry {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []StructuredLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Timestamp.Before(since) {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.Component != "" && e.Component != filter.Component {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.TraceID != "" && e.TraceID != filter.TraceID {
			continue
		}
		if filter.MessageSubstr != "" && !strings.Contains(e.Message, filter.MessageSubstr) {
			continue
		}
		matches = append(matches, e)
	}
	return matches
}

// Len returns the number of retained entries.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
