package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

type fakeCheck struct {
	name string

	mu     sync.Mutex
	status Status
	hints  []string
	panics bool
}

func (f *fakeCheck) Name() string { return f.name }

func (f *fakeCheck) Run(_ context.Context) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("probe exploded")
	}
	return Result{
		Component:     f.name,
		Status:        f.status,
		Message:       "stub",
		CheckedAt:     time.Now(),
		RecoveryHints: append([]string(nil), f.hints...),
	}
}

func (f *fakeCheck) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type countingAction struct {
	name string

	mu    sync.Mutex
	calls int
	err   error
}

func (a *countingAction) Name() string { return a.name }

func (a *countingAction) Execute(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func (a *countingAction) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeRecoveryRepo struct {
	mu           sync.Mutex
	rows         []datastore.RecoveryHistoryRow
	pruneCutoffs []time.Time
}

func (r *fakeRecoveryRepo) Save(_ context.Context, row *datastore.RecoveryHistoryRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *row)
	return nil
}

func (r *fakeRecoveryRepo) ListSince(_ context.Context, since time.Time) ([]datastore.RecoveryHistoryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datastore.RecoveryHistoryRow
	for _, row := range r.rows {
		if !row.ExecutedAt.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeRecoveryRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneCutoffs = append(r.pruneCutoffs, cutoff)
	var kept []datastore.RecoveryHistoryRow
	var pruned int64
	for _, row := range r.rows {
		if row.ExecutedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return pruned, nil
}

func (r *fakeRecoveryRepo) cutoffs() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.pruneCutoffs...)
}

func newTestChecker(cfg Config, checks []Check, actions ...Action) *Checker {
	registry := NewRegistry(logger.NewNop())
	for _, a := range actions {
		registry.Register(a)
	}
	return NewChecker(cfg, checks, registry, nil, logger.NewNop(), nil)
}

func TestRunCycle_AggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	checks := []Check{
		&fakeCheck{name: "db", status: StatusHealthy},
		&fakeCheck{name: "api", status: StatusDegraded},
		&fakeCheck{name: "fs", status: StatusHealthy},
	}
	c := newTestChecker(Config{}, checks)

	overall := c.RunCycle(context.Background())

	assert.Equal(t, StatusDegraded, overall.Status)
	assert.Len(t, overall.Components, 3)
	assert.Equal(t, StatusDegraded, overall.Components["api"].Status)
}

func TestRunCycle_PanicBecomesCriticalResult(t *testing.T) {
	t.Parallel()

	c := newTestChecker(Config{}, []Check{&fakeCheck{name: "db", panics: true}})

	overall := c.RunCycle(context.Background())

	require.Contains(t, overall.Components, "db")
	res := overall.Components["db"]
	assert.Equal(t, StatusCritical, res.Status)
	assert.Contains(t, res.Message, "probe exploded")
}

func TestFailureStreak_IncrementsAndResets(t *testing.T) {
	t.Parallel()

	db := &fakeCheck{name: "db", status: StatusUnhealthy}
	c := newTestChecker(Config{}, []Check{db})

	c.RunCycle(context.Background())
	c.RunCycle(context.Background())
	assert.Equal(t, 2, c.FailureStreak("db"))

	db.setStatus(StatusHealthy)
	c.RunCycle(context.Background())
	assert.Equal(t, 0, c.FailureStreak("db"))
}

func TestCascade_FiresExactlyOncePerCrossing(t *testing.T) {
	t.Parallel()

	db := &fakeCheck{name: "db", status: StatusCritical}
	api := &fakeCheck{name: "api", status: StatusUnhealthy}
	action := &countingAction{name: "fix_db"}
	c := newTestChecker(Config{
		CascadeRules: []CascadeRule{{
			Root:       "db",
			Downstream: []string{"api"},
			Threshold:  3,
			Actions:    []string{"fix_db"},
		}},
	}, []Check{db, api}, action)

	var escalations []Escalation
	var mu sync.Mutex
	c.OnEscalation(func(e Escalation) {
		mu.Lock()
		escalations = append(escalations, e)
		mu.Unlock()
	})

	for range 5 {
		c.RunCycle(context.Background())
	}

	assert.Equal(t, 1, action.callCount(), "cascade actions run once per threshold crossing")
	mu.Lock()
	require.Len(t, escalations, 1)
	assert.Equal(t, "db", escalations[0].Root)
	assert.Equal(t, []string{"api"}, escalations[0].Downstream)
	assert.GreaterOrEqual(t, escalations[0].Streak, 3)
	mu.Unlock()

	// Recovery resets the edge trigger; a new crossing fires again.
	db.setStatus(StatusHealthy)
	c.RunCycle(context.Background())
	db.setStatus(StatusCritical)
	for range 3 {
		c.RunCycle(context.Background())
	}
	assert.Equal(t, 2, action.callCount())
}

func TestCascade_HealthyDownstreamDoesNotFire(t *testing.T) {
	t.Parallel()

	db := &fakeCheck{name: "db", status: StatusCritical}
	api := &fakeCheck{name: "api", status: StatusHealthy}
	action := &countingAction{name: "fix_db"}
	c := newTestChecker(Config{
		CascadeRules: []CascadeRule{{
			Root:       "db",
			Downstream: []string{"api"},
			Threshold:  3,
			Actions:    []string{"fix_db"},
		}},
	}, []Check{db, api}, action)

	var escalations int
	var mu sync.Mutex
	c.OnEscalation(func(Escalation) {
		mu.Lock()
		escalations++
		mu.Unlock()
	})

	// The root fails in isolation: well past the threshold, but the
	// downstream component never degrades.
	for range 5 {
		c.RunCycle(context.Background())
	}
	assert.Zero(t, action.callCount(), "isolated root failure is not a cascade")
	mu.Lock()
	assert.Zero(t, escalations)
	mu.Unlock()

	// The failure propagates: the next cycle fires the rule.
	api.setStatus(StatusUnhealthy)
	c.RunCycle(context.Background())
	assert.Equal(t, 1, action.callCount())
	mu.Lock()
	assert.Equal(t, 1, escalations)
	mu.Unlock()

	// A merely degraded downstream is not enough to re-arm a new crossing.
	db.setStatus(StatusHealthy)
	api.setStatus(StatusDegraded)
	c.RunCycle(context.Background())
	db.setStatus(StatusCritical)
	for range 3 {
		c.RunCycle(context.Background())
	}
	assert.Equal(t, 1, action.callCount())
}

func TestAutoRecovery_DeduplicatesHintsPerCycle(t *testing.T) {
	t.Parallel()

	action := &countingAction{name: "clear_caches"}
	checks := []Check{
		&fakeCheck{name: "memory", status: StatusDegraded, hints: []string{"clear_caches"}},
		&fakeCheck{name: "process", status: StatusDegraded, hints: []string{"clear_caches"}},
	}
	c := newTestChecker(Config{AutoRecoveryEnabled: true}, checks, action)

	c.RunCycle(context.Background())

	assert.Equal(t, 1, action.callCount(), "shared hint runs once per cycle")

	history := c.GetRecoveryHistory(context.Background(), 1)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerAuto, history[0].Trigger)
	assert.True(t, history[0].Success)
}

func TestAutoRecovery_DisabledSkipsActions(t *testing.T) {
	t.Parallel()

	action := &countingAction{name: "clear_caches"}
	check := &fakeCheck{name: "memory", status: StatusCritical, hints: []string{"clear_caches"}}
	c := newTestChecker(Config{AutoRecoveryEnabled: false}, []Check{check}, action)

	c.RunCycle(context.Background())
	assert.Zero(t, action.callCount())

	c.EnableAutoRecovery(true)
	c.RunCycle(context.Background())
	assert.Equal(t, 1, action.callCount())
}

func TestAutoRecovery_HealthyResultsIgnored(t *testing.T) {
	t.Parallel()

	action := &countingAction{name: "clear_caches"}
	check := &fakeCheck{name: "memory", status: StatusHealthy, hints: []string{"clear_caches"}}
	c := newTestChecker(Config{AutoRecoveryEnabled: true}, []Check{check}, action)

	c.RunCycle(context.Background())
	assert.Zero(t, action.callCount())
}

func TestTriggerManualRecovery(t *testing.T) {
	t.Parallel()

	action := &countingAction{name: "optimize_database"}
	c := newTestChecker(Config{}, nil, action)

	rec := c.TriggerManualRecovery(context.Background(), "optimize_database", "db")
	assert.True(t, rec.Success)
	assert.Equal(t, TriggerManual, rec.Trigger)
	assert.Equal(t, "db", rec.Component)
}

func TestTriggerManualRecovery_UnknownAction(t *testing.T) {
	t.Parallel()

	c := newTestChecker(Config{}, nil)
	rec := c.TriggerManualRecovery(context.Background(), "no_such_action", "db")
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Message, "no such recovery action")
}

func TestRecoveryFailure_RecordedNotRetried(t *testing.T) {
	t.Parallel()

	action := &countingAction{name: "clear_caches", err: errors.New("boom")}
	check := &fakeCheck{name: "memory", status: StatusCritical, hints: []string{"clear_caches"}}
	c := newTestChecker(Config{AutoRecoveryEnabled: true}, []Check{check}, action)

	c.RunCycle(context.Background())

	assert.Equal(t, 1, action.callCount(), "no retry within the same trigger")
	history := c.GetRecoveryHistory(context.Background(), 1)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, "boom", history[0].Message)
}

func TestRunCycle_PrunesDurableRecoveryHistory(t *testing.T) {
	t.Parallel()

	repo := &fakeRecoveryRepo{}
	repo.rows = append(repo.rows, datastore.RecoveryHistoryRow{
		Action:     "clear_caches",
		ExecutedAt: time.Now().AddDate(0, 0, -40),
	})
	c := NewChecker(
		Config{RetentionDays: 30},
		[]Check{&fakeCheck{name: "db", status: StatusHealthy}},
		NewRegistry(logger.NewNop()), repo, logger.NewNop(), nil)

	c.RunCycle(context.Background())

	cutoffs := repo.cutoffs()
	require.Len(t, cutoffs, 1)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), cutoffs[0], time.Minute)

	rows, err := repo.ListSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, rows, "rows past retention are deleted")
}

func TestGetOverallHealth_EmptyBatteryIsUnknown(t *testing.T) {
	t.Parallel()

	c := newTestChecker(Config{}, nil)
	overall := c.GetOverallHealth()
	assert.Equal(t, StatusUnknown, overall.Status)
	assert.Empty(t, overall.Components)
}

func TestWorse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusCritical, Worse(StatusHealthy, StatusCritical))
	assert.Equal(t, StatusCritical, Worse(StatusCritical, StatusDegraded))
	assert.Equal(t, StatusHealthy, Worse(StatusHealthy, StatusHealthy))
}

func TestStatusJSONRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy, StatusCritical, StatusUnknown} {
		b, err := s.MarshalJSON()
		require.NoError(t, err)
		var decoded Status
		require.NoError(t, decoded.UnmarshalJSON(b))
		assert.Equal(t, s, decoded)
	}
}

func TestCheckerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newTestChecker(Config{Interval: 10 * time.Millisecond}, []Check{&fakeCheck{name: "db", status: StatusHealthy}})
	c.Start()
	c.Start() // no-op
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop() // no-op
}
