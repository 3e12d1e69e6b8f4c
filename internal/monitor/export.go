package monitor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/novakit/opsmon/internal/alerting"
	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/health"
	"github.com/novakit/opsmon/internal/logger"
	"github.com/novakit/opsmon/internal/metrics"
	"github.com/novakit/opsmon/internal/observability"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// SystemStatus is the combined live view served to dashboards.
type SystemStatus struct {
	Service       string                    `json:"service"`
	Uptime        time.Duration             `json:"uptime"`
	GeneratedAt   time.Time                 `json:"generated_at"`
	Metrics       *metrics.Snapshot         `json:"metrics,omitempty"`
	Health        health.OverallHealth      `json:"health"`
	ActiveAlerts  []alerting.Alert          `json:"active_alerts"`
	AlertStats    alerting.Statistics       `json:"alert_statistics"`
	Score         observability.HealthScore `json:"score"`
	PartialErrors []string                  `json:"partial_errors,omitempty"`
}

// PerformanceSummary aggregates stored metrics and profiler data over a
// window.
type PerformanceSummary struct {
	Window     time.Duration                             `json:"window"`
	Metrics    *datastore.MetricsSummary                 `json:"metrics,omitempty"`
	Operations map[string]observability.OperationSummary `json:"operations"`
	Score      observability.HealthScore                 `json:"score"`
	Err        string                                    `json:"error,omitempty"`
}

// GetSystemStatus assembles the live view. Failing sub-queries contribute
// an entry to PartialErrors instead of failing the whole call.
func (o *Orchestrator) GetSystemStatus() SystemStatus {
	status := SystemStatus{
		Service:      o.settings.ServiceName,
		Uptime:       time.Since(o.startedAt),
		GeneratedAt:  time.Now(),
		Health:       o.checker.GetOverallHealth(),
		ActiveAlerts: o.engine.GetActiveAlerts(),
		AlertStats:   o.engine.GetStatistics(),
		Score:        o.hub.Score(1),
	}
	if snap, ok := o.collector.GetCurrentSnapshot(); ok {
		status.Metrics = snap
	} else {
		status.PartialErrors = append(status.PartialErrors, "no metrics collected yet")
	}
	return status
}

// GetPerformanceSummary aggregates the last N hours of stored metrics and
// profiles. A store failure yields a partial summary with the error set.
func (o *Orchestrator) GetPerformanceSummary(ctx context.Context, hours int) PerformanceSummary {
	if hours <= 0 {
		hours = 24
	}
	summary := PerformanceSummary{
		Window:     time.Duration(hours) * time.Hour,
		Operations: o.hub.Profiler.Summary(hours),
		Score:      o.hub.Score(hours),
	}
	stored, err := o.collector.GetSummary(ctx, hours)
	if err != nil {
		o.log.Error("failed to summarize stored metrics", logger.Error(err))
		summary.Err = err.Error()
		return summary
	}
	summary.Metrics = stored
	return summary
}

// GetRecommendations returns the current textual health recommendations.
func (o *Orchestrator) GetRecommendations() []string {
	score := o.hub.Score(1)
	recs := append([]string(nil), score.Recommendations...)
	overall := o.checker.GetOverallHealth()
	for name, res := range overall.Components {
		if res.Status >= health.StatusUnhealthy && res.Status != health.StatusUnknown {
			recs = append(recs, fmt.Sprintf("component %s is %s: %s", name, res.Status, res.Message))
		}
	}
	return recs
}

// exportBundle is the JSON export shape.
type exportBundle struct {
	Service     string                   `json:"service"`
	GeneratedAt time.Time                `json:"generated_at"`
	Window      time.Duration            `json:"window"`
	History     *datastore.MetricsHistory `json:"history,omitempty"`
	Alerts      []alerting.Alert         `json:"alerts"`
	Recovery    []health.Record          `json:"recovery"`
	Health      health.OverallHealth     `json:"health"`
	Errors      []string                 `json:"errors,omitempty"`
}

// ExportData serializes the last N hours of monitoring data as JSON or CSV.
// Partial failures are embedded in the output; only an unknown format or a
// serialization fault returns an error.
func (o *Orchestrator) ExportData(ctx context.Context, format string, hours int) ([]byte, error) {
	if hours <= 0 {
		hours = 24
	}
	bundle := exportBundle{
		Service:     o.settings.ServiceName,
		GeneratedAt: time.Now(),
		Window:      time.Duration(hours) * time.Hour,
		Alerts:      o.engine.GetAlertHistory(ctx, hours),
		Recovery:    o.checker.GetRecoveryHistory(ctx, hours),
		Health:      o.checker.GetOverallHealth(),
	}
	history, err := o.collector.GetHistory(ctx, hours)
	if err != nil {
		o.log.Error("failed to load metric history for export", logger.Error(err))
		bundle.Errors = append(bundle.Errors, err.Error())
	} else {
		bundle.History = history
	}

	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode export: %w", err)
		}
		return data, nil
	case FormatCSV:
		return exportCSV(bundle)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// exportCSV flattens the system metric series plus alert history into a
// single CSV stream with a section column.
func exportCSV(bundle exportBundle) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"section", "timestamp", "key", "value", "detail"}); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	if bundle.History != nil {
		for _, row := range bundle.History.System {
			records := [][]string{
				{"system", row.Timestamp.Format(time.RFC3339), "cpu_percent", formatFloat(row.CPUPercent), ""},
				{"system", row.Timestamp.Format(time.RFC3339), "memory_percent", formatFloat(row.MemoryPercent), ""},
				{"system", row.Timestamp.Format(time.RFC3339), "disk_percent", formatFloat(row.DiskPercent), ""},
			}
			for _, rec := range records {
				if err := w.Write(rec); err != nil {
					return nil, fmt.Errorf("failed to write csv row: %w", err)
				}
			}
		}
		for _, row := range bundle.History.Performance {
			records := [][]string{
				{"performance", row.Timestamp.Format(time.RFC3339), "error_rate", formatFloat(row.ErrorRate), ""},
				{"performance", row.Timestamp.Format(time.RFC3339), "avg_response_ms", formatFloat(row.AvgResponseMs), ""},
			}
			for _, rec := range records {
				if err := w.Write(rec); err != nil {
					return nil, fmt.Errorf("failed to write csv row: %w", err)
				}
			}
		}
	}
	for _, alert := range bundle.Alerts {
		rec := []string{"alert", alert.CreatedAt.Format(time.RFC3339), alert.RuleID, alert.Severity.String(), alert.Message}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	for _, rec := range bundle.Recovery {
		row := []string{"recovery", rec.At.Format(time.RFC3339), rec.Action, strconv.FormatBool(rec.Success), rec.Message}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
