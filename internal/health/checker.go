package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

const (
	stopTimeout    = 5 * time.Second
	persistTimeout = 3 * time.Second

	// recoveryHistoryCapacity bounds the in-memory recovery record ring.
	recoveryHistoryCapacity = 500
)

// CascadeRule describes a root component whose sustained failure is expected
// to drag downstream components with it. The rule fires once when the root's
// failure streak crosses Threshold while at least one downstream component is
// unhealthy or critical, executing its actions against the root.
type CascadeRule struct {
	Root       string
	Downstream []string
	Threshold  int
	Actions    []string
}

// Escalation is handed to the escalation callback when a cascade rule fires.
type Escalation struct {
	Root       string
	Downstream []string
	Streak     int
	At         time.Time
}

// Config tunes the checker loop.
type Config struct {
	Interval            time.Duration
	AutoRecoveryEnabled bool
	CascadeRules        []CascadeRule
	// RetentionDays bounds the durable recovery history; rows older than
	// this are pruned each cycle. Zero disables durable pruning.
	RetentionDays int
}

// Checker runs the check battery on an interval, tracks per-component
// failure streaks, fires cascade rules, and drives recovery actions.
type Checker struct {
	cfg      Config
	checks   []Check
	registry *Registry
	repo     datastore.RecoveryRepository
	log      logger.Logger

	onEscalation func(Escalation)

	mu           sync.RWMutex
	results      map[string]Result
	streaks      map[string]int
	cascadeFired map[string]bool
	autoEnabled  bool
	lastChecked  time.Time
	history      []Record

	stopCh chan struct{}
	done   chan struct{}

	cyclesTotal      prometheus.Counter
	recoveriesTotal  prometheus.Counter
	recoveryFailures prometheus.Counter
	cascadesTotal    prometheus.Counter
}

// NewChecker builds a checker over the given battery. repo may be nil to
// skip persistence; reg may be nil to keep counters private.
func NewChecker(cfg Config, checks []Check, registry *Registry, repo datastore.RecoveryRepository, log logger.Logger, reg prometheus.Registerer) *Checker {
	if log == nil {
		log = logger.NewNop()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Checker{
		cfg:          cfg,
		checks:       checks,
		registry:     registry,
		repo:         repo,
		log:          log,
		results:      make(map[string]Result),
		streaks:      make(map[string]int),
		cascadeFired: make(map[string]bool),
		autoEnabled:  cfg.AutoRecoveryEnabled,
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsmon_health_cycles_total",
			Help: "Health check cycles completed.",
		}),
		recoveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsmon_recovery_actions_total",
			Help: "Recovery actions executed.",
		}),
		recoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsmon_recovery_failures_total",
			Help: "Recovery actions that returned an error.",
		}),
		cascadesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsmon_cascade_detections_total",
			Help: "Cascade rules fired.",
		}),
	}
}

// OnEscalation sets the callback invoked when a cascade rule fires. Must be
// set before Start.
func (c *Checker) OnEscalation(fn func(Escalation)) {
	c.onEscalation = fn
}

// Start launches the periodic check loop. Idempotent while running.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		c.RunCycle(context.Background())
		for {
			select {
			case <-ticker.C:
				c.RunCycle(context.Background())
			case <-stopCh:
				return
			}
		}
	}()
	c.log.Info("health checker started",
		logger.Duration("interval", c.cfg.Interval),
		logger.Int("checks", len(c.checks)))
}

// Stop signals the loop and waits up to stopTimeout for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	stopCh, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.log.Warn("health checker did not stop in time")
	}
}

// EnableAutoRecovery toggles automatic recovery at runtime.
func (c *Checker) EnableAutoRecovery(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoEnabled = enabled
}

// RunCycle runs every check once, updates streaks, evaluates cascade rules,
// and performs auto-recovery. Exposed for on-demand checks.
func (c *Checker) RunCycle(ctx context.Context) OverallHealth {
	results := make(map[string]Result, len(c.checks))
	for _, check := range c.checks {
		results[check.Name()] = c.runOne(ctx, check)
	}

	c.mu.Lock()
	for name, res := range results {
		c.results[name] = res
		if res.Status == StatusHealthy {
			c.streaks[name] = 0
			c.cascadeFired[name] = false
		} else {
			c.streaks[name]++
		}
	}
	c.lastChecked = time.Now()
	autoEnabled := c.autoEnabled
	c.mu.Unlock()

	c.evaluateCascades(ctx)
	if autoEnabled {
		c.autoRecover(ctx, results)
	}
	c.pruneDurable(ctx)
	c.cyclesTotal.Inc()
	return c.snapshotOverall()
}

// pruneDurable deletes persisted recovery rows past the retention window.
func (c *Checker) pruneDurable(ctx context.Context) {
	if c.repo == nil || c.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -c.cfg.RetentionDays)
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	pruned, err := c.repo.PruneBefore(pctx, cutoff)
	if err != nil {
		c.log.Error("failed to prune recovery history", logger.Error(err))
		return
	}
	if pruned > 0 {
		c.log.Debug("pruned recovery history rows",
			logger.Int64("rows", pruned),
			logger.Int("retention_days", c.cfg.RetentionDays))
	}
}

// runOne executes a single check, converting a panic into a critical result
// so one faulty probe cannot take down the loop.
func (c *Checker) runOne(ctx context.Context, check Check) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("health check panicked",
				logger.String("check", check.Name()),
				logger.Any("panic", r))
			res = Result{
				Component: check.Name(),
				Status:    StatusCritical,
				Message:   fmt.Sprintf("check panicked: %v", r),
				CheckedAt: time.Now(),
			}
		}
	}()
	return check.Run(ctx)
}

// evaluateCascades fires each cascade rule exactly once per threshold
// crossing, and only while the failure has actually propagated: a root past
// its threshold with every downstream component still healthy is an isolated
// failure, not a cascade. The fired flag resets when the root recovers.
func (c *Checker) evaluateCascades(ctx context.Context) {
	type firing struct {
		rule   CascadeRule
		streak int
	}
	var firings []firing

	c.mu.Lock()
	for _, rule := range c.cfg.CascadeRules {
		streak := c.streaks[rule.Root]
		if streak < rule.Threshold || c.cascadeFired[rule.Root] {
			continue
		}
		if !c.downstreamImpactedLocked(rule.Downstream) {
			continue
		}
		c.cascadeFired[rule.Root] = true
		firings = append(firings, firing{rule: rule, streak: streak})
	}
	c.mu.Unlock()

	for _, f := range firings {
		c.cascadesTotal.Inc()
		c.log.Warn("cascade failure detected",
			logger.String("root", f.rule.Root),
			logger.Int("streak", f.streak),
			logger.Int("downstream", len(f.rule.Downstream)))
		for _, action := range f.rule.Actions {
			c.execute(ctx, action, f.rule.Root, TriggerCascade)
		}
		if c.onEscalation != nil {
			c.onEscalation(Escalation{
				Root:       f.rule.Root,
				Downstream: append([]string(nil), f.rule.Downstream...),
				Streak:     f.streak,
				At:         time.Now(),
			})
		}
	}
}

// downstreamImpactedLocked reports whether any of the named components'
// latest results are unhealthy or critical. Components without a result yet
// (or in an unknown state) do not count as impacted. Requires mu held.
func (c *Checker) downstreamImpactedLocked(downstream []string) bool {
	for _, name := range downstream {
		res, ok := c.results[name]
		if !ok {
			continue
		}
		if res.Status == StatusUnhealthy || res.Status == StatusCritical {
			return true
		}
	}
	return false
}

// autoRecover executes the recovery hints of every degraded-or-worse result,
// deduplicated so a hint shared by several components runs once per cycle.
func (c *Checker) autoRecover(ctx context.Context, results map[string]Result) {
	executed := make(map[string]bool)
	for _, res := range results {
		if res.Status < StatusDegraded || res.Status == StatusUnknown {
			continue
		}
		for _, hint := range res.RecoveryHints {
			if executed[hint] {
				continue
			}
			executed[hint] = true
			c.execute(ctx, hint, res.Component, TriggerAuto)
		}
	}
}

// TriggerManualRecovery runs a named action on demand.
func (c *Checker) TriggerManualRecovery(ctx context.Context, action, component string) Record {
	return c.execute(ctx, action, component, TriggerManual)
}

func (c *Checker) execute(ctx context.Context, action, component, trigger string) Record {
	rec := c.registry.Execute(ctx, action, component, trigger)
	c.recoveriesTotal.Inc()
	if !rec.Success {
		c.recoveryFailures.Inc()
	}

	c.mu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > recoveryHistoryCapacity {
		c.history = c.history[len(c.history)-recoveryHistoryCapacity:]
	}
	c.mu.Unlock()

	if c.repo != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		row := &datastore.RecoveryHistoryRow{
			Action:     rec.Action,
			Component:  rec.Component,
			Trigger:    rec.Trigger,
			Success:    rec.Success,
			Detail:     rec.Message,
			DurationMs: rec.Duration.Milliseconds(),
			ExecutedAt: rec.At,
		}
		if err := c.repo.Save(pctx, row); err != nil {
			c.log.Error("failed to persist recovery record", logger.Error(err))
		}
	}
	return rec
}

// ForceHealthCheck runs the full battery immediately, outside the loop
// schedule.
func (c *Checker) ForceHealthCheck(ctx context.Context) OverallHealth {
	return c.RunCycle(ctx)
}

// GetOverallHealth returns the latest aggregated view. Overall status is the
// worst component status; an empty battery reports unknown.
func (c *Checker) GetOverallHealth() OverallHealth {
	return c.snapshotOverall()
}

func (c *Checker) snapshotOverall() OverallHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	overall := OverallHealth{
		Status:     StatusUnknown,
		Components: make(map[string]Result, len(c.results)),
		CheckedAt:  c.lastChecked,
	}
	first := true
	for name, res := range c.results {
		overall.Components[name] = res
		if first {
			overall.Status = res.Status
			first = false
		} else {
			overall.Status = Worse(overall.Status, res.Status)
		}
	}
	return overall
}

// FailureStreak returns the current consecutive-failure count for a
// component.
func (c *Checker) FailureStreak(component string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaks[component]
}

// GetRecoveryHistory returns recovery records from the last N hours, newest
// first, merging the in-memory ring with persisted rows when a repository
// is configured.
func (c *Checker) GetRecoveryHistory(ctx context.Context, hours int) []Record {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	c.mu.RLock()
	var records []Record
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].At.After(since) {
			records = append(records, c.history[i])
		}
	}
	c.mu.RUnlock()

	if c.repo != nil && len(records) == 0 {
		rows, err := c.repo.ListSince(ctx, since)
		if err != nil {
			c.log.Error("failed to load recovery history", logger.Error(err))
			return records
		}
		for _, row := range rows {
			records = append(records, Record{
				Action:    row.Action,
				Component: row.Component,
				Trigger:   row.Trigger,
				Success:   row.Success,
				Message:   row.Detail,
				Duration:  time.Duration(row.DurationMs) * time.Millisecond,
				At:        row.ExecutedAt,
			})
		}
	}
	return records
}
