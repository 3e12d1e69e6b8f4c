package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MetricsHistory bundles the three metric series returned by history queries.
type MetricsHistory struct {
	System      []SystemMetricRow      `json:"system"`
	Business    []BusinessMetricRow    `json:"business"`
	Performance []PerformanceMetricRow `json:"performance"`
}

// MetricsSummary aggregates stored samples over a query window.
type MetricsSummary struct {
	Since           time.Time `json:"since"`
	SampleCount     int64     `json:"sample_count"`
	AvgCPUPercent   float64   `json:"avg_cpu_percent"`
	MaxCPUPercent   float64   `json:"max_cpu_percent"`
	AvgMemoryPct    float64   `json:"avg_memory_percent"`
	MaxMemoryPct    float64   `json:"max_memory_percent"`
	AvgErrorRate    float64   `json:"avg_error_rate"`
	AvgResponseMs   float64   `json:"avg_response_ms"`
	MaxResponseMs   float64   `json:"max_response_ms"`
	TasksCompleted  int64     `json:"tasks_completed"`
	AvgUtilization  float64   `json:"avg_utilization"`
	TotalChatEvents int64     `json:"total_chat_events"`
}

// MetricsRepository persists and queries the three metric series.
type MetricsRepository interface {
	SaveSnapshot(ctx context.Context, sys *SystemMetricRow, biz *BusinessMetricRow, perf *PerformanceMetricRow) error
	HistorySince(ctx context.Context, since time.Time) (*MetricsHistory, error)
	SummarySince(ctx context.Context, since time.Time) (*MetricsSummary, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type metricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository creates a MetricsRepository backed by the store.
func NewMetricsRepository(store *Store) MetricsRepository {
	return &metricsRepository{db: store.DB()}
}

// SaveSnapshot appends one row to each of the three metric tables in a single
// transaction so a partially written snapshot never appears in queries.
func (r *metricsRepository) SaveSnapshot(ctx context.Context, sys *SystemMetricRow, biz *BusinessMetricRow, perf *PerformanceMetricRow) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sys).Error; err != nil {
			return err
		}
		if err := tx.Create(biz).Error; err != nil {
			return err
		}
		return tx.Create(perf).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save metric snapshot: %w", err)
	}
	return nil
}

// HistorySince returns all stored samples at or after the given time,
// oldest first.
func (r *metricsRepository) HistorySince(ctx context.Context, since time.Time) (*MetricsHistory, error) {
	history := &MetricsHistory{}
	q := r.db.WithContext(ctx)
	if err := q.Where("timestamp >= ?", since).Order("timestamp ASC").Find(&history.System).Error; err != nil {
		return nil, fmt.Errorf("failed to query system metrics: %w", err)
	}
	if err := q.Where("timestamp >= ?", since).Order("timestamp ASC").Find(&history.Business).Error; err != nil {
		return nil, fmt.Errorf("failed to query business metrics: %w", err)
	}
	if err := q.Where("timestamp >= ?", since).Order("timestamp ASC").Find(&history.Performance).Error; err != nil {
		return nil, fmt.Errorf("failed to query performance metrics: %w", err)
	}
	return history, nil
}

// SummarySince computes aggregates with SQL so large windows do not load
// every row into memory.
func (r *metricsRepository) SummarySince(ctx context.Context, since time.Time) (*MetricsSummary, error) {
	summary := &MetricsSummary{Since: since}

	var sysAgg struct {
		Count  int64
		AvgCPU float64
		MaxCPU float64
		AvgMem float64
		MaxMem float64
	}
	err := r.db.WithContext(ctx).Model(&SystemMetricRow{}).
		Select("COUNT(*) as count, COALESCE(AVG(cpu_percent),0) as avg_cpu, COALESCE(MAX(cpu_percent),0) as max_cpu, COALESCE(AVG(memory_percent),0) as avg_mem, COALESCE(MAX(memory_percent),0) as max_mem").
		Where("timestamp >= ?", since).
		Scan(&sysAgg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize system metrics: %w", err)
	}
	summary.SampleCount = sysAgg.Count
	summary.AvgCPUPercent = sysAgg.AvgCPU
	summary.MaxCPUPercent = sysAgg.MaxCPU
	summary.AvgMemoryPct = sysAgg.AvgMem
	summary.MaxMemoryPct = sysAgg.MaxMem

	var perfAgg struct {
		AvgErr    float64
		AvgResp   float64
		MaxResp   float64
	}
	err = r.db.WithContext(ctx).Model(&PerformanceMetricRow{}).
		Select("COALESCE(AVG(error_rate),0) as avg_err, COALESCE(AVG(avg_response_ms),0) as avg_resp, COALESCE(MAX(max_response_ms),0) as max_resp").
		Where("timestamp >= ?", since).
		Scan(&perfAgg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize performance metrics: %w", err)
	}
	summary.AvgErrorRate = perfAgg.AvgErr
	summary.AvgResponseMs = perfAgg.AvgResp
	summary.MaxResponseMs = perfAgg.MaxResp

	var bizAgg struct {
		MaxCompleted int64
		AvgUtil      float64
		MaxChat      int64
	}
	err = r.db.WithContext(ctx).Model(&BusinessMetricRow{}).
		Select("COALESCE(MAX(tasks_completed),0) as max_completed, COALESCE(AVG(agent_utilization),0) as avg_util, COALESCE(MAX(chat_messages),0) as max_chat").
		Where("timestamp >= ?", since).
		Scan(&bizAgg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize business metrics: %w", err)
	}
	summary.TasksCompleted = bizAgg.MaxCompleted
	summary.AvgUtilization = bizAgg.AvgUtil
	summary.TotalChatEvents = bizAgg.MaxChat

	return summary, nil
}

// PruneBefore deletes rows older than cutoff from all three tables and
// returns the total rows removed.
func (r *metricsRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, model := range []any{&SystemMetricRow{}, &BusinessMetricRow{}, &PerformanceMetricRow{}} {
		result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(model)
		if result.Error != nil {
			return total, fmt.Errorf("failed to prune metrics before %v: %w", cutoff, result.Error)
		}
		total += result.RowsAffected
	}
	return total, nil
}
