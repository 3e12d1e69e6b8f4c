// Package datastore provides the embedded sqlite persistence layer for
// metric snapshots, alert history, and recovery history.
package datastore

import "time"

// SystemMetricRow is one persisted sample of OS-level gauges.
type SystemMetricRow struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time `gorm:"not null;index" json:"timestamp"`
	CPUPercent     float64   `gorm:"not null" json:"cpu_percent"`
	MemoryPercent  float64   `gorm:"not null" json:"memory_percent"`
	DiskPercent    float64   `gorm:"not null" json:"disk_percent"`
	LoadAverage1   float64   `gorm:"not null;default:0" json:"load_average_1"`
	GoroutineCount int       `gorm:"not null;default:0" json:"goroutine_count"`
}

// TableName returns the table name for GORM.
func (SystemMetricRow) TableName() string {
	return "system_metrics"
}

// BusinessMetricRow is one persisted sample of orchestration KPIs.
type BusinessMetricRow struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Timestamp        time.Time `gorm:"not null;index" json:"timestamp"`
	ActiveAgents     int       `gorm:"not null" json:"active_agents"`
	TotalAgents      int       `gorm:"not null" json:"total_agents"`
	AgentUtilization float64   `gorm:"not null" json:"agent_utilization"`
	TasksAssigned    int64     `gorm:"not null" json:"tasks_assigned"`
	TasksCompleted   int64     `gorm:"not null" json:"tasks_completed"`
	TasksFailed      int64     `gorm:"not null" json:"tasks_failed"`
	CompletionRate   float64   `gorm:"not null" json:"completion_rate"`
	QueueDepth       int       `gorm:"not null;default:0" json:"queue_depth"`
	ChatMessages     int64     `gorm:"not null;default:0" json:"chat_messages"`
	ActiveSessions   int       `gorm:"not null;default:0" json:"active_sessions"`
}

// TableName returns the table name for GORM.
func (BusinessMetricRow) TableName() string {
	return "business_metrics"
}

// PerformanceMetricRow is one persisted sample of API latency and error rates.
type PerformanceMetricRow struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
	APIRequests   int64     `gorm:"not null" json:"api_requests"`
	APIErrors     int64     `gorm:"not null" json:"api_errors"`
	ErrorRate     float64   `gorm:"not null" json:"error_rate"`
	AvgResponseMs float64   `gorm:"not null" json:"avg_response_ms"`
	MinResponseMs float64   `gorm:"not null" json:"min_response_ms"`
	MaxResponseMs float64   `gorm:"not null" json:"max_response_ms"`
	P95ResponseMs float64   `gorm:"not null" json:"p95_response_ms"`
}

// TableName returns the table name for GORM.
func (PerformanceMetricRow) TableName() string {
	return "performance_metrics"
}

// AlertHistoryRow records one alert lifecycle transition for audit queries.
type AlertHistoryRow struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	AlertID    string    `gorm:"size:64;not null;index" json:"alert_id"`
	RuleID     string    `gorm:"size:128;not null;index" json:"rule_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Component  string    `gorm:"size:128;not null" json:"component"`
	Severity   string    `gorm:"size:16;not null" json:"severity"`
	Status     string    `gorm:"size:16;not null" json:"status"`
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`
	Value      float64   `gorm:"not null;default:0" json:"value"`
	Threshold  float64   `gorm:"not null;default:0" json:"threshold"`
	Metadata   string    `gorm:"type:text;default:''" json:"metadata"`
}

// TableName returns the table name for GORM.
func (AlertHistoryRow) TableName() string {
	return "alert_history"
}

// RecoveryHistoryRow records one executed recovery action.
type RecoveryHistoryRow struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Action     string    `gorm:"size:128;not null;index" json:"action"`
	Component  string    `gorm:"size:128;default:''" json:"component"`
	Trigger    string    `gorm:"size:16;not null" json:"trigger"`
	Success    bool      `gorm:"not null" json:"success"`
	Detail     string    `gorm:"size:1000;default:''" json:"detail"`
	DurationMs int64     `gorm:"not null;default:0" json:"duration_ms"`
	ExecutedAt time.Time `gorm:"not null;index" json:"executed_at"`
}

// TableName returns the table name for GORM.
func (RecoveryHistoryRow) TableName() string {
	return "recovery_history"
}
