package observability

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Bottleneck classifications assigned at profile finish.
const (
	BottleneckHighDuration = "high_duration"
	BottleneckCPUBound     = "cpu_bound"
	BottleneckIOBound      = "io_bound"
)

// Classification thresholds.
const (
	highDurationThreshold = 1000 * time.Millisecond
	ioBoundMinDuration    = 500 * time.Millisecond
	cpuBoundRatio         = 0.8
	ioBoundRatio          = 0.2
)

// PerformanceProfile is the immutable outcome of one profiled operation.
type PerformanceProfile struct {
	Operation   string        `json:"operation"`
	Duration    time.Duration `json:"duration"`
	CPUTime     time.Duration `json:"cpu_time"`
	MemoryDelta int64         `json:"memory_delta"`
	StackSample []string      `json:"stack_sample,omitempty"`
	Bottlenecks []string      `json:"bottlenecks,omitempty"`
	FinishedAt  time.Time     `json:"finished_at"`
	Err         string        `json:"error,omitempty"`
}

// OperationSummary aggregates profiles of one operation.
type OperationSummary struct {
	Operation   string         `json:"operation"`
	Count       int            `json:"count"`
	AvgDuration time.Duration  `json:"avg_duration"`
	MaxDuration time.Duration  `json:"max_duration"`
	Bottlenecks map[string]int `json:"bottlenecks,omitempty"`
}

// profileCapacity bounds the retained profile ring.
const profileCapacity = 2000

// Profiler measures wall time, process CPU time, and heap delta of scoped
// operations and classifies bottlenecks.
type Profiler struct {
	mu       sync.RWMutex
	profiles []PerformanceProfile
	proc     *process.Process
}

// NewProfiler creates a profiler over the current process.
func NewProfiler() *Profiler {
	p := &Profiler{}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p
}

// cpuSeconds returns cumulative process CPU time, or 0 when unavailable.
func (p *Profiler) cpuSeconds(ctx context.Context) float64 {
	if p.proc == nil {
		return 0
	}
	times, err := p.proc.TimesWithContext(ctx)
	if err != nil {
		return 0
	}
	return times.User + times.System
}

// Profile runs fn, measuring wall time, CPU time delta, and allocation
// delta, then records the classified profile. The function's error is
// recorded and passed through.
func (p *Profiler) Profile(ctx context.Context, operation string, fn func(ctx context.Context) error) (PerformanceProfile, error) {
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	cpuBefore := p.cpuSeconds(ctx)
	started := time.Now()

	err := fn(ctx)

	duration := time.Since(started)
	cpuAfter := p.cpuSeconds(ctx)
	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)

	profile := PerformanceProfile{
		Operation:   operation,
		Duration:    duration,
		CPUTime:     time.Duration((cpuAfter - cpuBefore) * float64(time.Second)),
		MemoryDelta: int64(memAfter.TotalAlloc) - int64(memBefore.TotalAlloc),
		StackSample: stackSample(3),
		FinishedAt:  time.Now(),
	}
	if err != nil {
		profile.Err = err.Error()
	}
	profile.Bottlenecks = Classify(profile.Duration, profile.CPUTime)

	p.mu.Lock()
	p.profiles = append(p.profiles, profile)
	if len(p.profiles) > profileCapacity {
		p.profiles = p.profiles[len(p.profiles)-profileCapacity:]
	}
	p.mu.Unlock()
	return profile, err
}

// Classify returns the bottleneck labels for a duration and CPU time pair.
func Classify(duration, cpuTime time.Duration) []string {
	var labels []string
	if duration > highDurationThreshold {
		labels = append(labels, BottleneckHighDuration)
	}
	if duration > 0 {
		ratio := float64(cpuTime) / float64(duration)
		if ratio > cpuBoundRatio {
			labels = append(labels, BottleneckCPUBound)
		} else if ratio < ioBoundRatio && duration > ioBoundMinDuration {
			labels = append(labels, BottleneckIOBound)
		}
	}
	return labels
}

// stackSample captures a shallow caller stack, skipping profiler frames.
func stackSample(skip int) []string {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sample []string
	for {
		frame, more := frames.Next()
		sample = append(sample, fmt.Sprintf("%s:%d", frame.Function, frame.Line))
		if !more || len(sample) >= 8 {
			break
		}
	}
	return sample
}

// ProfilesSince returns profiles finished within the window.
func (p *Profiler) ProfilesSince(since time.Time) []PerformanceProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PerformanceProfile
	for _, prof := range p.profiles {
		if prof.FinishedAt.After(since) {
			out = append(out, prof)
		}
	}
	return out
}

// Summary aggregates per-operation counts, average and max durations, and
// bottleneck tallies over the last N hours.
func (p *Profiler) Summary(hours int) map[string]OperationSummary {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	p.mu.RLock()
	defer p.mu.RUnlock()
	totals := make(map[string]time.Duration)
	summaries := make(map[string]OperationSummary)
	for _, prof := range p.profiles {
		if prof.FinishedAt.Before(since) {
			continue
		}
		s := summaries[prof.Operation]
		s.Operation = prof.Operation
		s.Count++
		totals[prof.Operation] += prof.Duration
		if prof.Duration > s.MaxDuration {
			s.MaxDuration = prof.Duration
		}
		for _, b := range prof.Bottlenecks {
			if s.Bottlenecks == nil {
				s.Bottlenecks = make(map[string]int)
			}
			s.Bottlenecks[b]++
		}
		summaries[prof.Operation] = s
	}
	for op, s := range summaries {
		s.AvgDuration = totals[op] / time.Duration(s.Count)
		summaries[op] = s
	}
	return summaries
}
