package observability

import (
	"context"
	"time"
)

// Hub bundles the tracer, log store, and profiler behind one handle and
// offers the combined helpers callers instrument with.
type Hub struct {
	Tracer   *Tracer
	Logs     *LogStore
	Profiler *Profiler
}

// NewHub creates a hub with fresh stores.
func NewHub() *Hub {
	return &Hub{
		Tracer:   NewTracer(),
		Logs:     NewLogStore(),
		Profiler: NewProfiler(),
	}
}

// Observe runs fn traced, profiled, and logged in one pass. The span context
// flows into fn so nested Observe calls build a single trace.
func (h *Hub) Observe(ctx context.Context, operation, component string, fn func(ctx context.Context) error) error {
	return h.Tracer.Trace(ctx, operation, func(sctx context.Context) error {
		profile, err := h.Profiler.Profile(sctx, operation, fn)
		if err != nil {
			h.Logs.Append(sctx, "error", operation+" failed: "+err.Error(), component, nil)
			return err
		}
		if len(profile.Bottlenecks) > 0 {
			h.Logs.Append(sctx, "warn", operation+" flagged as bottleneck", component, map[string]string{
				"duration": profile.Duration.String(),
			})
		}
		return nil
	})
}

// Data is the combined observability snapshot returned by query callers.
type Data struct {
	Spans    []Span                      `json:"spans"`
	Logs     []StructuredLogEntry        `json:"logs"`
	Profiles map[string]OperationSummary `json:"profiles"`
	Score    HealthScore                 `json:"score"`
}

// Snapshot returns traces, logs, profile summaries, and the health score
// over the last N hours, optionally narrowed by correlation or trace ID.
func (h *Hub) Snapshot(correlationID, traceID string, hours int) Data {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	spans := h.Tracer.FinishedSince(since)
	if traceID != "" {
		filtered := spans[:0]
		for _, s := range spans {
			if s.TraceID == traceID {
				filtered = append(filtered, s)
			}
		}
		spans = filtered
	}

	return Data{
		Spans:    spans,
		Logs:     h.Logs.Search(LogFilter{CorrelationID: correlationID, TraceID: traceID}, hours),
		Profiles: h.Profiler.Summary(hours),
		Score:    ScoreWindow(h.Profiler.ProfilesSince(since), h.Tracer.FinishedSince(since)),
	}
}

// Score computes the current system health score over the window.
func (h *Hub) Score(hours int) HealthScore {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	return ScoreWindow(h.Profiler.ProfilesSince(since), h.Tracer.FinishedSince(since))
}
