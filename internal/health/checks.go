package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/metrics"
)

// probeTimeout bounds outward network probes so a hung dependency degrades
// status instead of stalling the check loop.
const probeTimeout = 3 * time.Second

// Component names produced by the built-in checks.
const (
	ComponentResources  = "resources"
	ComponentDatabase   = "database"
	ComponentFilesystem = "filesystem"
	ComponentAPI        = "api"
	ComponentAgents     = "agents"
	ComponentTasks      = "tasks"
	ComponentSessions   = "sessions"
	ComponentProcess    = "process"
)

func baseResult(component string, started time.Time) Result {
	return Result{
		Component: component,
		Status:    StatusHealthy,
		CheckedAt: started,
	}
}

// ResourcesCheck samples CPU, memory, disk, and load against configured
// thresholds.
type ResourcesCheck struct {
	Thresholds conf.Thresholds
}

func (c *ResourcesCheck) Name() string { return ComponentResources }

func (c *ResourcesCheck) Run(ctx context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentResources, started)
	res.Details = make(map[string]any)
	t := c.Thresholds

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		res.Details["cpu_percent"] = percents[0]
		switch {
		case percents[0] >= t.CPUCriticalPercent:
			res.Status = Worse(res.Status, StatusCritical)
			res.Message = fmt.Sprintf("cpu at %.1f%%", percents[0])
		case percents[0] >= t.CPUWarningPercent:
			res.Status = Worse(res.Status, StatusDegraded)
			res.Message = fmt.Sprintf("cpu at %.1f%%", percents[0])
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		res.Details["memory_percent"] = vm.UsedPercent
		switch {
		case vm.UsedPercent >= t.MemoryCriticalPercent:
			res.Status = Worse(res.Status, StatusCritical)
			res.Message = fmt.Sprintf("memory at %.1f%%", vm.UsedPercent)
			res.RecoveryHints = append(res.RecoveryHints, ActionClearCaches)
		case vm.UsedPercent >= t.MemoryWarningPercent:
			res.Status = Worse(res.Status, StatusDegraded)
			res.Message = fmt.Sprintf("memory at %.1f%%", vm.UsedPercent)
			res.RecoveryHints = append(res.RecoveryHints, ActionClearCaches)
		}
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		res.Details["disk_percent"] = du.UsedPercent
		switch {
		case du.UsedPercent >= t.DiskCriticalPercent:
			res.Status = Worse(res.Status, StatusCritical)
			res.Message = fmt.Sprintf("disk at %.1f%%", du.UsedPercent)
			res.RecoveryHints = append(res.RecoveryHints, ActionPurgeTempFiles)
		case du.UsedPercent >= t.DiskWarningPercent:
			res.Status = Worse(res.Status, StatusDegraded)
			res.Message = fmt.Sprintf("disk at %.1f%%", du.UsedPercent)
			res.RecoveryHints = append(res.RecoveryHints, ActionPurgeTempFiles)
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		res.Details["load_1"] = avg.Load1
		if t.LoadCritical > 0 && avg.Load1 >= t.LoadCritical {
			res.Status = Worse(res.Status, StatusCritical)
			res.Message = fmt.Sprintf("load at %.2f", avg.Load1)
		}
	}

	if res.Message == "" {
		res.Message = "resources within thresholds"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// DatabaseCheck verifies connectivity and storage integrity.
type DatabaseCheck struct {
	Store *datastore.Store
}

func (c *DatabaseCheck) Name() string { return ComponentDatabase }

func (c *DatabaseCheck) Run(ctx context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentDatabase, started)
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := c.Store.Ping(pctx); err != nil {
		res.Status = StatusCritical
		res.Message = "database unreachable"
		res.Err = err.Error()
		res.RecoveryHints = []string{ActionOptimizeDatabase}
		res.ResponseTime = time.Since(started)
		return res
	}
	if err := c.Store.QuickCheck(pctx); err != nil {
		res.Status = StatusUnhealthy
		res.Message = "database integrity check failed"
		res.Err = err.Error()
		res.RecoveryHints = []string{ActionOptimizeDatabase}
		res.ResponseTime = time.Since(started)
		return res
	}
	res.Message = "database reachable, integrity ok"
	res.ResponseTime = time.Since(started)
	return res
}

// FilesystemCheck probes write/read/remove on the working directory.
type FilesystemCheck struct {
	Dir string
}

func (c *FilesystemCheck) Name() string { return ComponentFilesystem }

func (c *FilesystemCheck) Run(_ context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentFilesystem, started)
	dir := c.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	probe := filepath.Join(dir, fmt.Sprintf(".opsmon-probe-%d", started.UnixNano()))

	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		res.Status = StatusCritical
		res.Message = "filesystem write failed"
		res.Err = err.Error()
		res.ResponseTime = time.Since(started)
		return res
	}
	if _, err := os.ReadFile(probe); err != nil {
		res.Status = StatusUnhealthy
		res.Message = "filesystem read failed"
		res.Err = err.Error()
	} else {
		res.Message = "filesystem read/write ok"
	}
	if err := os.Remove(probe); err != nil && res.Status == StatusHealthy {
		res.Status = StatusDegraded
		res.Message = "probe cleanup failed"
		res.Err = err.Error()
	}
	res.ResponseTime = time.Since(started)
	return res
}

// APIProbeCheck issues a loopback GET against the platform API.
type APIProbeCheck struct {
	URL    string
	Client *http.Client
}

func (c *APIProbeCheck) Name() string { return ComponentAPI }

func (c *APIProbeCheck) Run(ctx context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentAPI, started)
	client := c.Client
	if client == nil {
		client = &http.Client{}
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.URL, nil)
	if err != nil {
		res.Status = StatusUnknown
		res.Message = "invalid probe url"
		res.Err = err.Error()
		res.ResponseTime = time.Since(started)
		return res
	}
	resp, err := client.Do(req)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = "api probe failed"
		res.Err = err.Error()
		res.ResponseTime = time.Since(started)
		return res
	}
	defer resp.Body.Close() //nolint:errcheck // probe response body is discarded
	switch {
	case resp.StatusCode >= 500:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("api returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("api returned %d", resp.StatusCode)
	default:
		res.Message = "api responding"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// AgentsCheck inspects the roster for stuck workers.
type AgentsCheck struct {
	Source metrics.AgentSource
}

func (c *AgentsCheck) Name() string { return ComponentAgents }

func (c *AgentsCheck) Run(_ context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentAgents, started)
	statuses := c.Source.ListAgentStatuses()
	if len(statuses) == 0 {
		res.Message = "no agents registered"
		res.ResponseTime = time.Since(started)
		return res
	}
	var stuck int
	for _, s := range statuses {
		if s.WorkerStatus == metrics.WorkerStatusStuck {
			stuck++
		}
	}
	ratio := float64(stuck) / float64(len(statuses))
	res.Details = map[string]any{"total": len(statuses), "stuck": stuck}
	switch {
	case ratio >= 0.5:
		res.Status = StatusCritical
		res.Message = fmt.Sprintf("%d of %d agents stuck", stuck, len(statuses))
		res.RecoveryHints = []string{ActionRestartStuckWorkers}
	case ratio >= 0.2:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d agents stuck", stuck, len(statuses))
		res.RecoveryHints = []string{ActionRestartStuckWorkers}
	default:
		res.Message = "agent roster healthy"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// staleTaskAge is how long a task may go without progress before it counts
// as stale.
const staleTaskAge = 30 * time.Minute

// TasksCheck flags tasks whose progress has gone stale.
type TasksCheck struct {
	Source metrics.TaskSource
}

func (c *TasksCheck) Name() string { return ComponentTasks }

func (c *TasksCheck) Run(_ context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentTasks, started)
	progress := c.Source.ListAllTaskProgress()
	if len(progress) == 0 {
		res.Message = "no tasks in flight"
		res.ResponseTime = time.Since(started)
		return res
	}
	cutoff := started.Add(-staleTaskAge)
	var stale int
	for _, p := range progress {
		if p.LastUpdated.Before(cutoff) {
			stale++
		}
	}
	ratio := float64(stale) / float64(len(progress))
	res.Details = map[string]any{"total": len(progress), "stale": stale}
	switch {
	case ratio >= 0.5:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("%d of %d tasks stale", stale, len(progress))
		res.RecoveryHints = []string{ActionRestartStuckWorkers}
	case stale > 0:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d tasks stale", stale, len(progress))
	default:
		res.Message = "task progress fresh"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// SessionsCheck flags zombie sessions: active sessions whose agent is not
// working.
type SessionsCheck struct {
	Sessions metrics.SessionSource
	Agents   metrics.AgentSource
}

func (c *SessionsCheck) Name() string { return ComponentSessions }

func (c *SessionsCheck) Run(_ context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentSessions, started)
	sessions := c.Sessions.ListActiveSessions()
	if len(sessions) == 0 {
		res.Message = "no active sessions"
		res.ResponseTime = time.Since(started)
		return res
	}
	statuses := map[string]metrics.AgentStatus{}
	if c.Agents != nil {
		statuses = c.Agents.ListAgentStatuses()
	}
	var zombies int
	for name := range sessions {
		status, known := statuses[name]
		if !known || status.WorkerStatus == metrics.WorkerStatusStuck {
			zombies++
		}
	}
	ratio := float64(zombies) / float64(len(sessions))
	res.Details = map[string]any{"total": len(sessions), "zombies": zombies}
	switch {
	case ratio >= 0.5:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("%d of %d sessions zombied", zombies, len(sessions))
		res.RecoveryHints = []string{ActionRestartStaleSessions}
	case zombies > 0:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d sessions zombied", zombies, len(sessions))
		res.RecoveryHints = []string{ActionRestartStaleSessions}
	default:
		res.Message = "sessions healthy"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// processSampleWindow is how many RSS samples feed the leak heuristic.
const processSampleWindow = 10

// ProcessCheck watches this process's thread count and memory growth trend
// as a leak heuristic.
type ProcessCheck struct {
	MaxThreads int

	mu   sync.Mutex
	proc *process.Process
	rss  []uint64
}

func (c *ProcessCheck) Name() string { return ComponentProcess }

func (c *ProcessCheck) Run(ctx context.Context) Result {
	started := time.Now()
	res := baseResult(ComponentProcess, started)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			res.Status = StatusUnknown
			res.Message = "process introspection unavailable"
			res.Err = err.Error()
			res.ResponseTime = time.Since(started)
			return res
		}
		c.proc = p
	}

	maxThreads := c.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 500
	}
	if threads, err := c.proc.NumThreadsWithContext(ctx); err == nil {
		res.Details = map[string]any{"threads": threads}
		if int(threads) > maxThreads {
			res.Status = Worse(res.Status, StatusDegraded)
			res.Message = fmt.Sprintf("thread count high: %d", threads)
		}
	}

	if info, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
		c.rss = append(c.rss, info.RSS)
		if len(c.rss) > processSampleWindow {
			c.rss = c.rss[len(c.rss)-processSampleWindow:]
		}
		if monotonicGrowth(c.rss) {
			res.Status = Worse(res.Status, StatusDegraded)
			res.Message = "memory growing monotonically, possible leak"
			res.RecoveryHints = append(res.RecoveryHints, ActionClearCaches)
		}
	}

	if res.Message == "" {
		res.Message = "process stable"
	}
	res.ResponseTime = time.Since(started)
	return res
}

// monotonicGrowth reports whether every sample in a full window exceeds its
// predecessor.
func monotonicGrowth(samples []uint64) bool {
	if len(samples) < processSampleWindow {
		return false
	}
	for i := 1; i < len(samples); i++ {
		if samples[i] <= samples[i-1] {
			return false
		}
	}
	return true
}
