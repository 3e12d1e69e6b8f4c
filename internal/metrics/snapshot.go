// Package metrics implements the periodic metrics collector: OS-level gauges,
// orchestration KPIs, and API performance aggregates sampled on a fixed
// interval, held in a bounded in-memory ring and persisted with retention
// pruning.
package metrics

import "time"

// Metric keys usable in alert rule conditions.
const (
	MetricCPUPercent       = "system.cpu_percent"
	MetricMemoryPercent    = "system.memory_percent"
	MetricDiskPercent      = "system.disk_percent"
	MetricLoadAverage      = "system.load_average_1"
	MetricGoroutines       = "system.goroutines"
	MetricAgentUtilization = "business.agent_utilization"
	MetricCompletionRate   = "business.completion_rate"
	MetricQueueDepth       = "business.queue_depth"
	MetricActiveSessions   = "business.active_sessions"
	MetricErrorRate        = "performance.error_rate"
	MetricAvgResponseMs    = "performance.avg_response_ms"
	MetricP95ResponseMs    = "performance.p95_response_ms"
)

// SystemMetrics holds OS-level gauges for one collection cycle.
type SystemMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskPercent    float64 `json:"disk_percent"`
	LoadAverage1   float64 `json:"load_average_1"`
	GoroutineCount int     `json:"goroutine_count"`
}

// BusinessMetrics holds orchestration KPIs for one collection cycle.
type BusinessMetrics struct {
	ActiveAgents     int     `json:"active_agents"`
	TotalAgents      int     `json:"total_agents"`
	AgentUtilization float64 `json:"agent_utilization"`
	TasksAssigned    int64   `json:"tasks_assigned"`
	TasksCompleted   int64   `json:"tasks_completed"`
	TasksFailed      int64   `json:"tasks_failed"`
	CompletionRate   float64 `json:"completion_rate"`
	QueueDepth       int     `json:"queue_depth"`
	ChatMessages     int64   `json:"chat_messages"`
	ActiveSessions   int     `json:"active_sessions"`
}

// PerformanceMetrics holds API latency and error aggregates for one cycle.
type PerformanceMetrics struct {
	APIRequests   int64   `json:"api_requests"`
	APIErrors     int64   `json:"api_errors"`
	ErrorRate     float64 `json:"error_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	MinResponseMs float64 `json:"min_response_ms"`
	MaxResponseMs float64 `json:"max_response_ms"`
	P95ResponseMs float64 `json:"p95_response_ms"`
}

// Snapshot is the immutable triple produced by one collection cycle.
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	System      SystemMetrics      `json:"system"`
	Business    BusinessMetrics    `json:"business"`
	Performance PerformanceMetrics `json:"performance"`
}

// Metric resolves a flat metric key against the snapshot. Unknown keys
// return false, which rule evaluation treats as "skip", not "fail".
func (s *Snapshot) Metric(key string) (float64, bool) {
	v, ok := s.Metrics()[key]
	return v, ok
}

// Metrics returns all gauges as a flat key → value map for rule evaluation
// and export.
func (s *Snapshot) Metrics() map[string]float64 {
	return map[string]float64{
		MetricCPUPercent:       s.System.CPUPercent,
		MetricMemoryPercent:    s.System.MemoryPercent,
		MetricDiskPercent:      s.System.DiskPercent,
		MetricLoadAverage:      s.System.LoadAverage1,
		MetricGoroutines:       float64(s.System.GoroutineCount),
		MetricAgentUtilization: s.Business.AgentUtilization,
		MetricCompletionRate:   s.Business.CompletionRate,
		MetricQueueDepth:       float64(s.Business.QueueDepth),
		MetricActiveSessions:   float64(s.Business.ActiveSessions),
		MetricErrorRate:        s.Performance.ErrorRate,
		MetricAvgResponseMs:    s.Performance.AvgResponseMs,
		MetricP95ResponseMs:    s.Performance.P95ResponseMs,
	}
}
