package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

const (
	// noiseWindow is the sliding window for rate-limiting alert creation.
	noiseWindow = 10 * time.Minute
	// noiseLimit is the number of admitted alerts per (component, severity)
	// key within noiseWindow before further candidates are suppressed.
	noiseLimit = 5
	// suppressionCooldown is how long a suppressed rule is exempt from
	// evaluation before it may fire again.
	suppressionCooldown = 30 * time.Minute
	// historyRetention bounds how long resolved alerts stay queryable in
	// memory.
	historyRetention = 24 * time.Hour
	// historyCapacity caps the in-memory history length.
	historyCapacity = 1000
	// stopTimeout bounds how long StopProcessing waits for the loop.
	stopTimeout = 5 * time.Second
	// persistTimeout is the deadline for one history row write.
	persistTimeout = 3 * time.Second
)

// MetricsSource supplies the latest flattened snapshot for rule evaluation.
type MetricsSource interface {
	CurrentMetrics() (map[string]float64, bool)
}

// Notifier fans an alert lifecycle event out to delivery channels.
// Implementations must isolate per-channel failures.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *Alert, event string)
}

// Config tunes the engine.
type Config struct {
	Interval     time.Duration
	Suppressions []SuppressionPattern
	// RetentionDays bounds the durable alert history; rows older than this
	// are pruned each cycle. Zero disables durable pruning.
	RetentionDays int
}

// Engine evaluates rules each cycle and owns all alert state.
type Engine struct {
	cfg      Config
	source   MetricsSource
	notifier Notifier
	repo     datastore.AlertRepository // may be nil
	log      logger.Logger

	rulesMu sync.RWMutex
	rules   []Rule

	mu          sync.Mutex
	active      map[string]*Alert // rule ID → ACTIVE or ACKNOWLEDGED alert
	suppressed  map[string]*Alert // rule ID → SUPPRESSED alert
	history     []Alert
	noise       map[string][]time.Time // (component|severity) → admit times
	sustainedAt map[string]time.Time   // rule ID → first consecutive-true time
	timers      map[string]*time.Timer // alert ID → pending escalation timer
	correlated  map[string][]string    // component → alert IDs (display only)
	stats       Statistics

	cooldowns *gocache.Cache // rule ID → suppression cool-down marker

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}

	createdTotal    prometheus.Counter
	resolvedTotal   prometheus.Counter
	suppressedTotal prometheus.Counter
}

// NewEngine creates an alerting engine. An empty rule slice seeds the
// defaults. repo may be nil to disable durable history; reg may be nil to
// keep internal counters on a private registry.
func NewEngine(cfg Config, rules []Rule, source MetricsSource, notifier Notifier, repo datastore.AlertRepository, reg prometheus.Registerer, log logger.Logger) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Engine{
		cfg:         cfg,
		rules:       rules,
		source:      source,
		notifier:    notifier,
		repo:        repo,
		log:         log,
		active:      make(map[string]*Alert),
		suppressed:  make(map[string]*Alert),
		noise:       make(map[string][]time.Time),
		sustainedAt: make(map[string]time.Time),
		timers:      make(map[string]*time.Timer),
		correlated:  make(map[string][]string),
		cooldowns:   gocache.New(suppressionCooldown, 10*time.Minute),
		stats:       Statistics{BySeverity: make(map[string]int64)},
		createdTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsmon_alerts_created_total",
			Help: "Alerts admitted to the active set.",
		}),
		resolvedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsmon_alerts_resolved_total",
			Help: "Alerts resolved after their predicate cleared.",
		}),
		suppressedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsmon_alerts_suppressed_total",
			Help: "Alert candidates blocked by noise reduction or patterns.",
		}),
	}
}

// ReplaceRules swaps the rule set. Live alerts for removed rules stay until
// acknowledged or manually handled; their predicates are simply no longer
// evaluated.
func (e *Engine) ReplaceRules(rules []Rule) {
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()
}

// StartProcessing launches the evaluation loop. No-op when already running.
func (e *Engine) StartProcessing() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(e.stopCh, e.done)
	e.log.Info("alert processing started", logger.Duration("interval", e.cfg.Interval))
}

// StopProcessing stops the loop and cancels all pending escalation timers.
func (e *Engine) StopProcessing() {
	e.runMu.Lock()
	stopCh, done := e.stopCh, e.done
	e.stopCh, e.done = nil, nil
	e.runMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.log.Warn("alert processing loop did not stop within timeout")
	}

	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

func (e *Engine) loop(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.EvaluateCycle(context.Background())
		case <-stopCh:
			return
		}
	}
}

// EvaluateCycle runs one evaluation pass against the latest snapshot.
// Exported so the orchestrator and tests can drive cycles synchronously.
func (e *Engine) EvaluateCycle(ctx context.Context) {
	snapshot, ok := e.source.CurrentMetrics()
	if !ok {
		e.log.Debug("no metrics snapshot yet, skipping alert cycle")
		return
	}
	now := time.Now()

	e.rulesMu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.rulesMu.RUnlock()

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		matched, evaluable := rule.Condition.Evaluate(snapshot)
		if !evaluable {
			// Missing metric: rule skipped, not failed.
			continue
		}
		if matched {
			e.handleTriggered(ctx, rule, snapshot, now)
		} else {
			e.handleCleared(ctx, rule, now)
		}
	}

	e.correlate()
	e.pruneHistory(now)
	e.pruneDurable(ctx, now)
}

// handleTriggered processes a true predicate: sustain tracking, duplicate
// active check, suppression, noise limiting, then admission.
func (e *Engine) handleTriggered(ctx context.Context, rule *Rule, snapshot map[string]float64, now time.Time) {
	e.mu.Lock()
	first, tracked := e.sustainedAt[rule.ID]
	if !tracked {
		first = now
		e.sustainedAt[rule.ID] = now
	}
	_, hasActive := e.active[rule.ID]
	e.mu.Unlock()

	if rule.Condition.Sustain > 0 && now.Sub(first) < rule.Condition.Sustain {
		return
	}
	if hasActive {
		return
	}

	// Rules in suppression cool-down are exempt from evaluation until the
	// cool-down lapses.
	if _, onCooldown := e.cooldowns.Get(rule.ID); onCooldown {
		return
	}

	value := snapshot[rule.Condition.Metric]
	alert := e.buildAlert(rule, value, now)

	if e.isBlocked(rule, now) {
		alert.Status = StatusSuppressed
		e.cooldowns.Set(rule.ID, now, suppressionCooldown)
		e.mu.Lock()
		e.suppressed[rule.ID] = alert
		e.appendHistory(*alert)
		e.stats.Suppressed++
		e.mu.Unlock()
		e.suppressedTotal.Inc()
		e.persistTransition(ctx, alert)
		e.log.Info("alert suppressed",
			logger.String("rule_id", rule.ID),
			logger.String("component", rule.Component),
			logger.String("severity", rule.Severity.String()))
		return
	}

	e.mu.Lock()
	// A lapsed cool-down may leave a stale suppressed record for this rule;
	// the admitted alert supersedes it.
	delete(e.suppressed, rule.ID)
	e.active[rule.ID] = alert
	e.noise[noiseKey(rule)] = append(e.noise[noiseKey(rule)], now)
	e.appendHistory(*alert)
	e.stats.Created++
	e.stats.BySeverity[rule.Severity.String()]++
	e.mu.Unlock()
	e.createdTotal.Inc()

	e.persistTransition(ctx, alert)
	e.notify(ctx, alert, EventCreated)
	e.armEscalation(alert.ID, *rule)

	e.log.Warn("alert created",
		logger.String("alert_id", alert.ID),
		logger.String("rule_id", rule.ID),
		logger.String("severity", rule.Severity.String()),
		logger.Float64("value", value),
		logger.Float64("threshold", rule.Condition.Threshold))
}

// handleCleared resolves any live or suppressed alert for a rule whose
// predicate is now false.
func (e *Engine) handleCleared(ctx context.Context, rule *Rule, now time.Time) {
	e.mu.Lock()
	delete(e.sustainedAt, rule.ID)

	if alert, exists := e.suppressed[rule.ID]; exists {
		delete(e.suppressed, rule.ID)
		alert.Status = StatusResolved
		alert.ResolvedAt = &now
		e.appendHistory(*alert)
		e.mu.Unlock()
		e.persistTransition(ctx, alert)
		return
	}

	alert, exists := e.active[rule.ID]
	if !exists {
		e.mu.Unlock()
		return
	}
	delete(e.active, rule.ID)
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	e.cancelEscalation(alert.ID)
	e.appendHistory(*alert)
	e.stats.Resolved++
	e.mu.Unlock()
	e.resolvedTotal.Inc()

	e.persistTransition(ctx, alert)
	e.notify(ctx, alert, EventResolved)

	e.log.Info("alert resolved",
		logger.String("alert_id", alert.ID),
		logger.String("rule_id", rule.ID))
}

func (e *Engine) buildAlert(rule *Rule, value float64, now time.Time) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Name:      rule.Name,
		Component: rule.Component,
		Severity:  rule.Severity,
		Status:    StatusActive,
		Value:     value,
		Threshold: rule.Condition.Threshold,
		Message: fmt.Sprintf("%s: %s %s %.2f (current %.2f)",
			rule.Name, rule.Condition.Metric, rule.Condition.Operator, rule.Condition.Threshold, value),
		CreatedAt: now,
		Metadata: map[string]string{
			"metric":    rule.Condition.Metric,
			"component": rule.Component,
		},
	}
}

// isBlocked applies suppression patterns and the sliding noise window.
func (e *Engine) isBlocked(rule *Rule, now time.Time) bool {
	for i := range e.cfg.Suppressions {
		if e.cfg.Suppressions[i].Matches(rule) {
			return true
		}
	}

	key := noiseKey(rule)
	cutoff := now.Add(-noiseWindow)

	e.mu.Lock()
	defer e.mu.Unlock()
	times := e.noise[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.noise[key] = kept
	return len(kept) >= noiseLimit
}

func noiseKey(rule *Rule) string {
	return rule.Component + "|" + rule.Severity.String()
}

// AcknowledgeAlert marks an ACTIVE alert acknowledged and cancels its pending
// escalation. Acknowledging an alert in any other state returns an error and
// performs no transition.
func (e *Engine) AcknowledgeAlert(alertID, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, alert := range e.active {
		if alert.ID != alertID {
			continue
		}
		if alert.Status != StatusActive {
			return fmt.Errorf("alert %s is %s, not active", alertID, alert.Status)
		}
		now := time.Now()
		alert.Status = StatusAcknowledged
		alert.AcknowledgedAt = &now
		alert.AcknowledgedBy = actor
		e.cancelEscalation(alert.ID)
		e.appendHistory(*alert)
		e.stats.Acknowledged++
		e.log.Info("alert acknowledged",
			logger.String("alert_id", alertID),
			logger.String("actor", actor))
		return nil
	}
	return fmt.Errorf("no active alert with id %s", alertID)
}

// armEscalation schedules the next escalation level for an alert.
func (e *Engine) armEscalation(alertID string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armEscalationLocked(alertID, rule)
}

// armEscalationLocked requires mu held.
func (e *Engine) armEscalationLocked(alertID string, rule Rule) {
	var alert *Alert
	for _, a := range e.active {
		if a.ID == alertID {
			alert = a
			break
		}
	}
	if alert == nil || alert.EscalationLevel >= len(rule.Escalation.Delays) {
		return
	}
	delay := rule.Escalation.Delays[alert.EscalationLevel]
	e.timers[alertID] = time.AfterFunc(delay, func() {
		e.escalate(alertID, rule)
	})
}

// escalate runs on the escalation timer's own goroutine. It re-checks the
// alert is still ACTIVE before raising the level, since acknowledge or
// resolve may have raced the timer.
func (e *Engine) escalate(alertID string, rule Rule) {
	e.mu.Lock()
	var alert *Alert
	for _, a := range e.active {
		if a.ID == alertID {
			alert = a
			break
		}
	}
	delete(e.timers, alertID)
	if alert == nil || alert.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	alert.EscalationLevel++
	e.stats.Escalated++
	snapshot := alert.Clone()
	e.armEscalationLocked(alertID, rule)
	e.mu.Unlock()

	e.notify(context.Background(), &snapshot, EventEscalated)
	e.log.Warn("alert escalated",
		logger.String("alert_id", alertID),
		logger.Int("level", snapshot.EscalationLevel))
}

// cancelEscalation stops a pending timer. Requires mu held.
func (e *Engine) cancelEscalation(alertID string) {
	if timer, ok := e.timers[alertID]; ok {
		timer.Stop()
		delete(e.timers, alertID)
	}
}

// correlate groups live alerts by component; components with more than one
// simultaneous alert are recorded as a correlated set for display, never
// auto-merged.
func (e *Engine) correlate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	byComponent := make(map[string][]string)
	for _, alert := range e.active {
		byComponent[alert.Component] = append(byComponent[alert.Component], alert.ID)
	}
	e.correlated = make(map[string][]string)
	for component, ids := range byComponent {
		if len(ids) > 1 {
			e.correlated[component] = ids
		}
	}
}

func (e *Engine) notify(ctx context.Context, alert *Alert, event string) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyAlert(ctx, alert, event)
}

// persistTransition writes one durable history row. Failures are logged and
// never block state transitions.
func (e *Engine) persistTransition(ctx context.Context, alert *Alert) {
	if e.repo == nil {
		return
	}
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	row := &datastore.AlertHistoryRow{
		AlertID:    alert.ID,
		RuleID:     alert.RuleID,
		Name:       alert.Name,
		Component:  alert.Component,
		Severity:   alert.Severity.String(),
		Status:     alert.Status.String(),
		OccurredAt: time.Now(),
		Value:      alert.Value,
		Threshold:  alert.Threshold,
		Metadata:   string(metadata),
	}
	if err := e.repo.SaveHistory(pctx, row); err != nil {
		e.log.Error("failed to persist alert transition",
			logger.String("alert_id", alert.ID),
			logger.Error(err))
	}
}

// appendHistory stores a point-in-time copy. Requires mu held.
func (e *Engine) appendHistory(alert Alert) {
	e.history = append(e.history, alert)
	if len(e.history) > historyCapacity {
		e.history = e.history[len(e.history)-historyCapacity:]
	}
}

// pruneHistory drops in-memory entries past retention.
func (e *Engine) pruneHistory(now time.Time) {
	cutoff := now.Add(-historyRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.history[:0]
	for i := range e.history {
		if e.history[i].CreatedAt.After(cutoff) {
			kept = append(kept, e.history[i])
		}
	}
	e.history = kept
}

// pruneDurable deletes persisted history rows past the retention window.
func (e *Engine) pruneDurable(ctx context.Context, now time.Time) {
	if e.repo == nil || e.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -e.cfg.RetentionDays)
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	pruned, err := e.repo.PruneBefore(pctx, cutoff)
	if err != nil {
		e.log.Error("failed to prune alert history", logger.Error(err))
		return
	}
	if pruned > 0 {
		e.log.Debug("pruned alert history rows",
			logger.Int64("rows", pruned),
			logger.Int("retention_days", e.cfg.RetentionDays))
	}
}

// GetActiveAlerts returns copies of all live (active or acknowledged) alerts.
func (e *Engine) GetActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, alert.Clone())
	}
	return out
}

// GetAlertHistory returns lifecycle transitions within the trailing window,
// newest first. When the in-memory ring has nothing for the window (after a
// restart, or a window wider than the in-memory retention), persisted rows
// are read instead.
func (e *Engine) GetAlertHistory(ctx context.Context, hours int) []Alert {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	e.mu.Lock()
	var out []Alert
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].CreatedAt.After(cutoff) {
			out = append(out, e.history[i])
		}
	}
	e.mu.Unlock()

	if e.repo != nil && len(out) == 0 {
		rows, err := e.repo.ListHistorySince(ctx, cutoff)
		if err != nil {
			e.log.Error("failed to load alert history", logger.Error(err))
			return out
		}
		for _, row := range rows {
			out = append(out, alertFromRow(&row))
		}
	}
	return out
}

// alertFromRow rebuilds a point-in-time alert from a persisted transition.
// Unknown severity or status strings decode to their zero values.
func alertFromRow(row *datastore.AlertHistoryRow) Alert {
	severity, _ := ParseSeverity(row.Severity)
	status, _ := ParseStatus(row.Status)
	var metadata map[string]string
	if row.Metadata != "" {
		_ = json.Unmarshal([]byte(row.Metadata), &metadata)
	}
	return Alert{
		ID:        row.AlertID,
		RuleID:    row.RuleID,
		Name:      row.Name,
		Component: row.Component,
		Severity:  severity,
		Status:    status,
		Value:     row.Value,
		Threshold: row.Threshold,
		CreatedAt: row.OccurredAt,
		Metadata:  metadata,
	}
}

// GetStatistics returns a copy of engine counters plus the current
// correlated-component sets.
func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.ActiveCount = len(e.active)
	stats.BySeverity = make(map[string]int64, len(e.stats.BySeverity))
	for k, v := range e.stats.BySeverity {
		stats.BySeverity[k] = v
	}
	stats.CorrelatedSet = make(map[string][]string, len(e.correlated))
	for k, v := range e.correlated {
		stats.CorrelatedSet[k] = append([]string(nil), v...)
	}
	return stats
}
