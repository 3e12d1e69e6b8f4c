package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

type stubSource struct {
	mu      sync.Mutex
	metrics map[string]float64
	ready   bool
}

func (s *stubSource) CurrentMetrics() (map[string]float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, false
	}
	out := make(map[string]float64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out, true
}

func (s *stubSource) set(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = make(map[string]float64)
	}
	s.metrics[key] = value
	s.ready = true
}

type recordedEvent struct {
	alert Alert
	event string
}

type stubNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *stubNotifier) NotifyAlert(_ context.Context, alert *Alert, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{alert: alert.Clone(), event: event})
}

func (n *stubNotifier) recorded() []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedEvent(nil), n.events...)
}

type fakeAlertRepo struct {
	mu           sync.Mutex
	rows         []datastore.AlertHistoryRow
	pruneCutoffs []time.Time
}

func (r *fakeAlertRepo) SaveHistory(_ context.Context, row *datastore.AlertHistoryRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *row)
	return nil
}

func (r *fakeAlertRepo) ListHistorySince(_ context.Context, since time.Time) ([]datastore.AlertHistoryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datastore.AlertHistoryRow
	for _, row := range r.rows {
		if !row.OccurredAt.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeAlertRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneCutoffs = append(r.pruneCutoffs, cutoff)
	var kept []datastore.AlertHistoryRow
	var pruned int64
	for _, row := range r.rows {
		if row.OccurredAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return pruned, nil
}

func (r *fakeAlertRepo) cutoffs() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.pruneCutoffs...)
}

func testLogger() logger.Logger {
	return logger.NewNop()
}

func cpuRule(threshold float64) Rule {
	return Rule{
		ID:        "test-high-cpu",
		Name:      "High CPU usage",
		Component: "system",
		Severity:  SeverityHigh,
		Condition: Condition{Metric: "system.cpu_percent", Operator: OperatorGreaterThan, Threshold: threshold},
		Enabled:   true,
	}
}

func newTestEngine(t *testing.T, rules []Rule, source MetricsSource, notifier Notifier) *Engine {
	t.Helper()
	return NewEngine(Config{Interval: time.Second}, rules, source, notifier, nil, nil, testLogger())
}

func TestEvaluateCycle_CreatesActiveAlert(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	notifier := &stubNotifier{}
	engine := newTestEngine(t, []Rule{cpuRule(80)}, source, notifier)

	engine.EvaluateCycle(context.Background())

	active := engine.GetActiveAlerts()
	require.Len(t, active, 1)
	alert := active[0]
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Equal(t, StatusActive, alert.Status)
	assert.Equal(t, 0, alert.EscalationLevel)
	assert.InDelta(t, 92.0, alert.Value, 0.001)
	assert.InDelta(t, 80.0, alert.Threshold, 0.001)

	events := notifier.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventCreated, events[0].event)
}

func TestEvaluateCycle_AtMostOneActivePerRule(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{cpuRule(80)}, source, nil)

	for range 4 {
		engine.EvaluateCycle(context.Background())
	}

	assert.Len(t, engine.GetActiveAlerts(), 1)
	stats := engine.GetStatistics()
	assert.Equal(t, int64(1), stats.Created)
}

func TestEvaluateCycle_MissingMetricSkipsRule(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.memory_percent", 50)
	engine := newTestEngine(t, []Rule{cpuRule(80)}, source, nil)

	engine.EvaluateCycle(context.Background())

	assert.Empty(t, engine.GetActiveAlerts())
}

func TestEvaluateCycle_NoSnapshotSkipsCycle(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []Rule{cpuRule(80)}, &stubSource{}, nil)
	engine.EvaluateCycle(context.Background())
	assert.Empty(t, engine.GetActiveAlerts())
}

func TestEvaluateCycle_ResolvesWhenCleared(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	notifier := &stubNotifier{}
	engine := newTestEngine(t, []Rule{cpuRule(80)}, source, notifier)

	engine.EvaluateCycle(context.Background())
	require.Len(t, engine.GetActiveAlerts(), 1)

	source.set("system.cpu_percent", 40)
	engine.EvaluateCycle(context.Background())

	assert.Empty(t, engine.GetActiveAlerts())
	events := notifier.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, EventResolved, events[1].event)
	require.NotNil(t, events[1].alert.ResolvedAt)

	history := engine.GetAlertHistory(context.Background(), 1)
	require.NotEmpty(t, history)
}

func TestSustain_DelaysAlertCreation(t *testing.T) {
	t.Parallel()

	rule := cpuRule(80)
	rule.Condition.Sustain = time.Hour
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{rule}, source, nil)

	engine.EvaluateCycle(context.Background())
	engine.EvaluateCycle(context.Background())

	assert.Empty(t, engine.GetActiveAlerts(), "sustain window has not elapsed")
}

func TestSustain_ResetsWhenPredicateClears(t *testing.T) {
	t.Parallel()

	rule := cpuRule(80)
	rule.Condition.Sustain = 50 * time.Millisecond
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{rule}, source, nil)

	engine.EvaluateCycle(context.Background())
	source.set("system.cpu_percent", 40)
	engine.EvaluateCycle(context.Background())

	// Predicate turns true again: the sustain clock restarts.
	source.set("system.cpu_percent", 92)
	engine.EvaluateCycle(context.Background())
	assert.Empty(t, engine.GetActiveAlerts())

	time.Sleep(60 * time.Millisecond)
	engine.EvaluateCycle(context.Background())
	assert.Len(t, engine.GetActiveAlerts(), 1)
}

func TestNoiseLimit_SuppressesSixthAlert(t *testing.T) {
	t.Parallel()

	// Six distinct rules sharing one (component, severity) noise key.
	var rules []Rule
	for i := range 6 {
		rule := cpuRule(80)
		rule.ID = fmt.Sprintf("api-rule-%d", i)
		rule.Name = fmt.Sprintf("API rule %d", i)
		rule.Component = "api"
		rules = append(rules, rule)
	}
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, rules, source, nil)

	engine.EvaluateCycle(context.Background())

	active := engine.GetActiveAlerts()
	assert.Len(t, active, 5, "noise limit admits five alerts per window")

	stats := engine.GetStatistics()
	assert.Equal(t, int64(5), stats.Created)
	assert.Equal(t, int64(1), stats.Suppressed)

	// The suppressed candidate is in history with SUPPRESSED status.
	var suppressed int
	for _, alert := range engine.GetAlertHistory(context.Background(), 1) {
		if alert.Status == StatusSuppressed {
			suppressed++
		}
	}
	assert.Equal(t, 1, suppressed)
}

func TestSuppressionPattern_BlocksMatchingRule(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := NewEngine(
		Config{
			Interval:     time.Second,
			Suppressions: []SuppressionPattern{{Component: "system"}},
		},
		[]Rule{cpuRule(80)}, source, nil, nil, nil, testLogger())

	engine.EvaluateCycle(context.Background())

	assert.Empty(t, engine.GetActiveAlerts())
	stats := engine.GetStatistics()
	assert.Equal(t, int64(1), stats.Suppressed)
}

func TestSuppressedRule_ExemptDuringCooldown(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := NewEngine(
		Config{
			Interval:     time.Second,
			Suppressions: []SuppressionPattern{{Component: "system"}},
		},
		[]Rule{cpuRule(80)}, source, nil, nil, nil, testLogger())

	engine.EvaluateCycle(context.Background())
	engine.EvaluateCycle(context.Background())
	engine.EvaluateCycle(context.Background())

	stats := engine.GetStatistics()
	assert.Equal(t, int64(1), stats.Suppressed, "cool-down exempts the rule from re-suppression")
}

func TestAcknowledgeAlert(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{cpuRule(80)}, source, nil)
	engine.EvaluateCycle(context.Background())

	active := engine.GetActiveAlerts()
	require.Len(t, active, 1)
	alertID := active[0].ID

	require.NoError(t, engine.AcknowledgeAlert(alertID, "oncall"))

	acked := engine.GetActiveAlerts()
	require.Len(t, acked, 1)
	assert.Equal(t, StatusAcknowledged, acked[0].Status)
	assert.Equal(t, "oncall", acked[0].AcknowledgedBy)
	require.NotNil(t, acked[0].AcknowledgedAt)

	// Second acknowledge fails without a transition.
	err := engine.AcknowledgeAlert(alertID, "oncall")
	require.Error(t, err)
	assert.Equal(t, int64(1), engine.GetStatistics().Acknowledged)
}

func TestAcknowledgeAlert_UnknownID(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []Rule{cpuRule(80)}, &stubSource{}, nil)
	err := engine.AcknowledgeAlert("nope", "oncall")
	require.Error(t, err)
}

func TestEscalation_RaisesLevelWhileUnacknowledged(t *testing.T) {
	t.Parallel()

	rule := cpuRule(80)
	rule.Escalation = EscalationPolicy{Delays: []time.Duration{20 * time.Millisecond}}
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	notifier := &stubNotifier{}
	engine := newTestEngine(t, []Rule{rule}, source, notifier)

	engine.EvaluateCycle(context.Background())

	assert.Eventually(t, func() bool {
		active := engine.GetActiveAlerts()
		return len(active) == 1 && active[0].EscalationLevel == 1
	}, time.Second, 5*time.Millisecond)

	var escalated bool
	for _, ev := range notifier.recorded() {
		if ev.event == EventEscalated {
			escalated = true
		}
	}
	assert.True(t, escalated)
}

func TestEscalation_CancelledByAcknowledge(t *testing.T) {
	t.Parallel()

	rule := cpuRule(80)
	rule.Escalation = EscalationPolicy{Delays: []time.Duration{30 * time.Millisecond}}
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{rule}, source, nil)

	engine.EvaluateCycle(context.Background())
	active := engine.GetActiveAlerts()
	require.Len(t, active, 1)
	require.NoError(t, engine.AcknowledgeAlert(active[0].ID, "oncall"))

	time.Sleep(60 * time.Millisecond)
	acked := engine.GetActiveAlerts()
	require.Len(t, acked, 1)
	assert.Equal(t, 0, acked[0].EscalationLevel, "acknowledged alerts never escalate")
}

func TestCorrelation_GroupsMultipleAlertsPerComponent(t *testing.T) {
	t.Parallel()

	ruleA := cpuRule(80)
	ruleA.ID = "api-errors"
	ruleA.Component = "api"
	ruleB := cpuRule(80)
	ruleB.ID = "api-latency"
	ruleB.Component = "api"
	ruleB.Severity = SeverityMedium

	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	engine := newTestEngine(t, []Rule{ruleA, ruleB}, source, nil)

	engine.EvaluateCycle(context.Background())

	stats := engine.GetStatistics()
	require.Contains(t, stats.CorrelatedSet, "api")
	assert.Len(t, stats.CorrelatedSet["api"], 2)
}

func TestCooldownLapse_ClearsStaleSuppressedRecord(t *testing.T) {
	t.Parallel()

	rule := cpuRule(80)
	source := &stubSource{}
	source.set("system.cpu_percent", 92)
	notifier := &stubNotifier{}
	engine := newTestEngine(t, []Rule{rule}, source, notifier)

	// Saturate the noise window so the first firing lands suppressed.
	engine.mu.Lock()
	times := make([]time.Time, noiseLimit)
	for i := range times {
		times[i] = time.Now()
	}
	engine.noise[noiseKey(&rule)] = times
	engine.mu.Unlock()

	engine.EvaluateCycle(context.Background())
	assert.Empty(t, engine.GetActiveAlerts())
	assert.Equal(t, int64(1), engine.GetStatistics().Suppressed)

	// The cool-down lapses and the noise window drains.
	engine.cooldowns.Delete(rule.ID)
	engine.mu.Lock()
	engine.noise = make(map[string][]time.Time)
	engine.mu.Unlock()

	engine.EvaluateCycle(context.Background())
	active := engine.GetActiveAlerts()
	require.Len(t, active, 1)

	engine.mu.Lock()
	_, stale := engine.suppressed[rule.ID]
	engine.mu.Unlock()
	assert.False(t, stale, "admission supersedes the suppressed record")

	// Clearing the predicate resolves the active alert in the same cycle.
	source.set("system.cpu_percent", 40)
	engine.EvaluateCycle(context.Background())
	assert.Empty(t, engine.GetActiveAlerts())

	events := notifier.recorded()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventResolved, last.event)
	assert.Equal(t, active[0].ID, last.alert.ID)
}

func TestEvaluateCycle_PrunesDurableHistory(t *testing.T) {
	t.Parallel()

	repo := &fakeAlertRepo{}
	repo.rows = append(repo.rows, datastore.AlertHistoryRow{
		AlertID:    "stale",
		OccurredAt: time.Now().AddDate(0, 0, -40),
	})
	source := &stubSource{}
	source.set("system.cpu_percent", 10)
	engine := NewEngine(
		Config{Interval: time.Second, RetentionDays: 30},
		[]Rule{cpuRule(80)}, source, nil, repo, nil, testLogger())

	engine.EvaluateCycle(context.Background())

	cutoffs := repo.cutoffs()
	require.Len(t, cutoffs, 1)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), cutoffs[0], time.Minute)

	rows, err := repo.ListHistorySince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, rows, "rows past retention are deleted")
}

func TestGetAlertHistory_FallsBackToRepository(t *testing.T) {
	t.Parallel()

	repo := &fakeAlertRepo{}
	repo.rows = append(repo.rows, datastore.AlertHistoryRow{
		AlertID:    "a-1",
		RuleID:     "test-high-cpu",
		Name:       "High CPU usage",
		Component:  "system",
		Severity:   "high",
		Status:     "resolved",
		OccurredAt: time.Now().Add(-time.Hour),
		Value:      92,
		Threshold:  80,
		Metadata:   `{"metric":"system.cpu_percent"}`,
	})
	engine := NewEngine(Config{Interval: time.Second}, []Rule{cpuRule(80)}, &stubSource{}, nil, repo, nil, testLogger())

	// Nothing in memory yet: the window is served from the store.
	history := engine.GetAlertHistory(context.Background(), 24)
	require.Len(t, history, 1)
	assert.Equal(t, "a-1", history[0].ID)
	assert.Equal(t, SeverityHigh, history[0].Severity)
	assert.Equal(t, StatusResolved, history[0].Status)
	assert.Equal(t, "system.cpu_percent", history[0].Metadata["metric"])
}

func TestStartStopProcessing(t *testing.T) {
	// The suppression cache janitor lives until its finalizer runs.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))

	source := &stubSource{}
	source.set("system.cpu_percent", 10)
	engine := NewEngine(Config{Interval: 10 * time.Millisecond}, []Rule{cpuRule(80)}, source, nil, nil, nil, testLogger())

	engine.StartProcessing()
	engine.StartProcessing() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	engine.StopProcessing()
	engine.StopProcessing() // second stop is a no-op
}
