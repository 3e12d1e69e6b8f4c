package metrics

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

const (
	// ringCapacity bounds the in-memory snapshot ring.
	ringCapacity = 360
	// stopTimeout bounds how long Stop waits for the loop to exit.
	stopTimeout = 5 * time.Second
	// persistTimeout is the context deadline for one snapshot write + prune.
	persistTimeout = 10 * time.Second
	// diskPath is the mount point sampled for disk usage.
	diskPath = "/"
)

// Config tunes the collector.
type Config struct {
	Interval      time.Duration
	RetentionDays int
}

// Collector samples system, business, and performance metrics on a fixed
// interval. Record* methods are safe for concurrent use from any goroutine.
type Collector struct {
	cfg     Config
	sources Sources
	repo    datastore.MetricsRepository
	log     logger.Logger

	// sampleSystem is swappable for tests.
	sampleSystem func(ctx context.Context) SystemMetrics

	mu             sync.Mutex
	tasksAssigned  int64
	tasksCompleted int64
	tasksFailed    int64
	apiRequests    int64
	apiErrors      int64
	chatMessages   int64
	queueDepth     int
	responseTimes  []float64 // ms, drained each cycle
	ring           []*Snapshot

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}

	cyclesTotal   prometheus.Counter
	persistErrors prometheus.Counter
}

// NewCollector creates a collector. reg may be nil, in which case internal
// counters are registered on a private throwaway registry.
func NewCollector(cfg Config, sources Sources, repo datastore.MetricsRepository, reg prometheus.Registerer, log logger.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		cfg:     cfg,
		sources: sources,
		repo:    repo,
		log:     log,
		cyclesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsmon_collection_cycles_total",
			Help: "Completed metric collection cycles.",
		}),
		persistErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsmon_collection_persist_errors_total",
			Help: "Snapshot persistence failures.",
		}),
	}
	c.sampleSystem = c.gopsutilSample
	return c
}

// Start launches the collection loop. Calling Start on a running collector
// is a no-op.
func (c *Collector) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stopCh, c.done)
	c.log.Info("metrics collector started",
		logger.Duration("interval", c.cfg.Interval),
		logger.Int("retention_days", c.cfg.RetentionDays))
}

// Stop signals the loop and waits up to stopTimeout for it to exit.
func (c *Collector) Stop() {
	c.runMu.Lock()
	stopCh, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.runMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.log.Warn("metrics collector did not stop within timeout")
	}
}

func (c *Collector) loop(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CollectOnce(context.Background())
		case <-stopCh:
			return
		}
	}
}

// RecordTaskAssigned counts one task assignment.
func (c *Collector) RecordTaskAssigned() {
	c.mu.Lock()
	c.tasksAssigned++
	c.mu.Unlock()
}

// RecordTaskCompletion counts one finished task, failed or successful.
func (c *Collector) RecordTaskCompletion(success bool) {
	c.mu.Lock()
	if success {
		c.tasksCompleted++
	} else {
		c.tasksFailed++
	}
	c.mu.Unlock()
}

// RecordAPIRequest buffers one API call's latency for cycle aggregation.
func (c *Collector) RecordAPIRequest(duration time.Duration, isError bool) {
	c.mu.Lock()
	c.apiRequests++
	if isError {
		c.apiErrors++
	}
	c.responseTimes = append(c.responseTimes, float64(duration)/float64(time.Millisecond))
	c.mu.Unlock()
}

// RecordChatMessage counts one relayed chat message.
func (c *Collector) RecordChatMessage() {
	c.mu.Lock()
	c.chatMessages++
	c.mu.Unlock()
}

// SetQueueDepth reports the current task queue depth.
func (c *Collector) SetQueueDepth(depth int) {
	c.mu.Lock()
	c.queueDepth = depth
	c.mu.Unlock()
}

// GetCurrentSnapshot returns the most recent snapshot, or false before the
// first cycle completes.
func (c *Collector) GetCurrentSnapshot() (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) == 0 {
		return nil, false
	}
	return c.ring[len(c.ring)-1], true
}

// CurrentMetrics returns the latest snapshot flattened to metric keys.
// Implements the alerting engine's snapshot source contract.
func (c *Collector) CurrentMetrics() (map[string]float64, bool) {
	snap, ok := c.GetCurrentSnapshot()
	if !ok {
		return nil, false
	}
	return snap.Metrics(), true
}

// GetHistory queries persisted snapshots for the trailing window.
func (c *Collector) GetHistory(ctx context.Context, hours int) (*datastore.MetricsHistory, error) {
	return c.repo.HistorySince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
}

// GetSummary aggregates persisted snapshots for the trailing window.
func (c *Collector) GetSummary(ctx context.Context, hours int) (*datastore.MetricsSummary, error) {
	return c.repo.SummarySince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
}

// CollectOnce runs a single collection cycle: sample, aggregate, append to
// the ring, persist, prune. Persistence failures are logged and never stop
// the cycle; the ring still advances so alerting keeps fresh data.
func (c *Collector) CollectOnce(ctx context.Context) *Snapshot {
	now := time.Now()
	sctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	system := c.sampleSystem(sctx)
	business := c.sampleBusiness()
	performance := c.drainPerformance()

	snap := &Snapshot{
		Timestamp:   now,
		System:      system,
		Business:    business,
		Performance: performance,
	}

	c.mu.Lock()
	c.ring = append(c.ring, snap)
	if len(c.ring) > ringCapacity {
		c.ring = c.ring[len(c.ring)-ringCapacity:]
	}
	c.mu.Unlock()

	if err := c.persist(sctx, snap); err != nil {
		c.persistErrors.Inc()
		c.log.Error("failed to persist metric snapshot", logger.Error(err))
	}

	c.cyclesTotal.Inc()
	return snap
}

func (c *Collector) persist(ctx context.Context, snap *Snapshot) error {
	sys := &datastore.SystemMetricRow{
		Timestamp:      snap.Timestamp,
		CPUPercent:     snap.System.CPUPercent,
		MemoryPercent:  snap.System.MemoryPercent,
		DiskPercent:    snap.System.DiskPercent,
		LoadAverage1:   snap.System.LoadAverage1,
		GoroutineCount: snap.System.GoroutineCount,
	}
	biz := &datastore.BusinessMetricRow{
		Timestamp:        snap.Timestamp,
		ActiveAgents:     snap.Business.ActiveAgents,
		TotalAgents:      snap.Business.TotalAgents,
		AgentUtilization: snap.Business.AgentUtilization,
		TasksAssigned:    snap.Business.TasksAssigned,
		TasksCompleted:   snap.Business.TasksCompleted,
		TasksFailed:      snap.Business.TasksFailed,
		CompletionRate:   snap.Business.CompletionRate,
		QueueDepth:       snap.Business.QueueDepth,
		ChatMessages:     snap.Business.ChatMessages,
		ActiveSessions:   snap.Business.ActiveSessions,
	}
	perf := &datastore.PerformanceMetricRow{
		Timestamp:     snap.Timestamp,
		APIRequests:   snap.Performance.APIRequests,
		APIErrors:     snap.Performance.APIErrors,
		ErrorRate:     snap.Performance.ErrorRate,
		AvgResponseMs: snap.Performance.AvgResponseMs,
		MinResponseMs: snap.Performance.MinResponseMs,
		MaxResponseMs: snap.Performance.MaxResponseMs,
		P95ResponseMs: snap.Performance.P95ResponseMs,
	}
	if err := c.repo.SaveSnapshot(ctx, sys, biz, perf); err != nil {
		return err
	}

	cutoff := snap.Timestamp.AddDate(0, 0, -c.cfg.RetentionDays)
	pruned, err := c.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.log.Debug("pruned metric rows",
			logger.Int64("rows", pruned),
			logger.Int("retention_days", c.cfg.RetentionDays))
	}
	return nil
}

// gopsutilSample reads OS gauges. Each probe failure is logged and leaves
// its gauge at zero; the cycle completes with whatever was readable.
func (c *Collector) gopsutilSample(ctx context.Context) SystemMetrics {
	var m SystemMetrics
	m.GoroutineCount = runtime.NumGoroutine()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.log.Warn("cpu sampling failed", logger.Error(err))
	} else if len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.log.Warn("memory sampling failed", logger.Error(err))
	} else {
		m.MemoryPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		c.log.Warn("disk sampling failed", logger.Error(err))
	} else {
		m.DiskPercent = du.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.log.Debug("load sampling unavailable", logger.Error(err))
	} else {
		m.LoadAverage1 = avg.Load1
	}

	return m
}

func (c *Collector) sampleBusiness() BusinessMetrics {
	var m BusinessMetrics

	if c.sources.Agents != nil {
		statuses := c.sources.Agents.ListAgentStatuses()
		m.TotalAgents = len(statuses)
		for _, s := range statuses {
			if s.WorkerStatus == WorkerStatusWorking {
				m.ActiveAgents++
			}
		}
		if m.TotalAgents > 0 {
			m.AgentUtilization = float64(m.ActiveAgents) / float64(m.TotalAgents) * 100
		}
	}
	if c.sources.Sessions != nil {
		m.ActiveSessions = len(c.sources.Sessions.ListActiveSessions())
	}

	c.mu.Lock()
	m.TasksAssigned = c.tasksAssigned
	m.TasksCompleted = c.tasksCompleted
	m.TasksFailed = c.tasksFailed
	m.ChatMessages = c.chatMessages
	m.QueueDepth = c.queueDepth
	c.mu.Unlock()

	finished := m.TasksCompleted + m.TasksFailed
	if finished > 0 {
		m.CompletionRate = float64(m.TasksCompleted) / float64(finished) * 100
	}
	return m
}

// drainPerformance aggregates and resets the buffered response-time samples.
func (c *Collector) drainPerformance() PerformanceMetrics {
	c.mu.Lock()
	samples := c.responseTimes
	c.responseTimes = nil
	requests := c.apiRequests
	errors := c.apiErrors
	c.mu.Unlock()

	m := PerformanceMetrics{APIRequests: requests, APIErrors: errors}
	if requests > 0 {
		m.ErrorRate = float64(errors) / float64(requests) * 100
	}
	if len(samples) == 0 {
		return m
	}

	slices.Sort(samples)
	var sum float64
	for _, v := range samples {
		sum += v
	}
	m.AvgResponseMs = sum / float64(len(samples))
	m.MinResponseMs = samples[0]
	m.MaxResponseMs = samples[len(samples)-1]
	m.P95ResponseMs = percentile(samples, 95)
	return m
}

// percentile computes the pth percentile of sorted samples using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
