// Package monitor assembles the collector, alerting engine, health checker,
// and observability hub into one orchestrated service with a read-only
// query and export surface.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novakit/opsmon/internal/alerting"
	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/health"
	"github.com/novakit/opsmon/internal/logger"
	"github.com/novakit/opsmon/internal/metrics"
	"github.com/novakit/opsmon/internal/notify"
	"github.com/novakit/opsmon/internal/observability"
)

// Collaborators are the platform hooks the orchestrator consumes. All
// fields are optional; absent ones disable the dependent checks and
// recovery actions.
type Collaborators struct {
	Sources  metrics.Sources
	Workers  health.WorkerController
	Sessions health.SessionController
}

// Orchestrator owns construction, startup, and shutdown of every
// monitoring component, in dependency order: collector, observability hub,
// alerting engine, health checker.
type Orchestrator struct {
	settings  *conf.Settings
	store     *datastore.Store
	collector *metrics.Collector
	hub       *observability.Hub
	engine    *alerting.Engine
	checker   *health.Checker
	channels  []notify.Channel
	log       logger.Logger
	startedAt time.Time
}

// New constructs the full monitoring stack. A store that cannot be opened
// is the one fatal construction error; everything downstream degrades
// instead of failing.
func New(settings *conf.Settings, collab Collaborators, reg prometheus.Registerer, log logger.Logger) (*Orchestrator, error) {
	if settings == nil {
		settings = conf.Defaults()
	}
	if log == nil {
		log = logger.NewNop()
	}

	store, err := datastore.Open(settings.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open monitoring store: %w", err)
	}

	collector := metrics.NewCollector(
		metrics.Config{
			Interval:      settings.MetricsCollectionInterval.Std(),
			RetentionDays: settings.DataRetentionDays,
		},
		collab.Sources,
		datastore.NewMetricsRepository(store),
		reg,
		log.With(logger.String("component", "collector")),
	)

	hub := observability.NewHub()

	channels := notify.ChannelsFromConfig(settings.Notifications, log)
	dispatcher := notify.NewDispatcher(channels, log.With(logger.String("component", "notify")))

	engine := alerting.NewEngine(
		alerting.Config{
			Interval:      settings.AlertProcessingInterval.Std(),
			RetentionDays: settings.DataRetentionDays,
		},
		alerting.DefaultRules(),
		collector,
		dispatcher,
		datastore.NewAlertRepository(store),
		reg,
		log.With(logger.String("component", "alerting")),
	)

	registry := health.NewRegistry(log.With(logger.String("component", "recovery")))
	registry.RegisterBuiltins(health.BuiltinOptions{
		Store:    store,
		TempDir:  settings.TempDir,
		Workers:  collab.Workers,
		Sessions: collab.Sessions,
	})

	checker := health.NewChecker(
		health.Config{
			Interval:            settings.HealthCheckInterval.Std(),
			AutoRecoveryEnabled: settings.AutoRecoveryEnabled,
			CascadeRules:        defaultCascadeRules(),
			RetentionDays:       settings.DataRetentionDays,
		},
		buildChecks(settings, store, collab),
		registry,
		datastore.NewRecoveryRepository(store),
		log.With(logger.String("component", "health")),
		reg,
	)

	o := &Orchestrator{
		settings:  settings,
		store:     store,
		collector: collector,
		hub:       hub,
		engine:    engine,
		checker:   checker,
		channels:  channels,
		log:       log,
		startedAt: time.Now(),
	}
	checker.OnEscalation(o.onEscalation)
	return o, nil
}

// buildChecks assembles the check battery from configuration and available
// collaborators.
func buildChecks(settings *conf.Settings, store *datastore.Store, collab Collaborators) []health.Check {
	checks := []health.Check{
		&health.ResourcesCheck{Thresholds: settings.Thresholds},
		&health.DatabaseCheck{Store: store},
		&health.FilesystemCheck{Dir: settings.TempDir},
		&health.ProcessCheck{},
	}
	if settings.ProbeURL != "" {
		checks = append(checks, &health.APIProbeCheck{URL: settings.ProbeURL})
	}
	if collab.Sources.Agents != nil {
		checks = append(checks, &health.AgentsCheck{Source: collab.Sources.Agents})
	}
	if collab.Sources.Tasks != nil {
		checks = append(checks, &health.TasksCheck{Source: collab.Sources.Tasks})
	}
	if collab.Sources.Sessions != nil {
		checks = append(checks, &health.SessionsCheck{
			Sessions: collab.Sources.Sessions,
			Agents:   collab.Sources.Agents,
		})
	}
	return checks
}

// defaultCascadeRules encodes the known dependency edges: a failing
// database drags the API and task pipeline, a failing agent roster drags
// sessions.
func defaultCascadeRules() []health.CascadeRule {
	return []health.CascadeRule{
		{
			Root:       health.ComponentDatabase,
			Downstream: []string{health.ComponentAPI, health.ComponentTasks},
			Threshold:  3,
			Actions:    []string{health.ActionOptimizeDatabase},
		},
		{
			Root:       health.ComponentAgents,
			Downstream: []string{health.ComponentSessions, health.ComponentTasks},
			Threshold:  3,
			Actions:    []string{health.ActionRestartStuckWorkers},
		},
	}
}

// onEscalation records cascade escalations in the correlated log so trace
// queries surface them next to the operations they disrupted.
func (o *Orchestrator) onEscalation(esc health.Escalation) {
	o.log.Warn("cascade escalation",
		logger.String("root", esc.Root),
		logger.Int("streak", esc.Streak))
	o.hub.Logs.Append(context.Background(), "error",
		fmt.Sprintf("cascade failure rooted at %s after %d consecutive failures", esc.Root, esc.Streak),
		esc.Root,
		map[string]string{"downstream": fmt.Sprintf("%v", esc.Downstream)})
}

// Start launches all background loops.
func (o *Orchestrator) Start() {
	o.collector.Start()
	o.engine.StartProcessing()
	o.checker.Start()
	o.log.Info("monitoring orchestrator started",
		logger.String("service", o.settings.ServiceName))
}

// Stop halts all loops, closes notification channels, and releases the
// store. Each worker joins with a bounded timeout.
func (o *Orchestrator) Stop() {
	o.checker.Stop()
	o.engine.StopProcessing()
	o.collector.Stop()
	for _, ch := range o.channels {
		if closer, ok := ch.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	if err := o.store.Close(); err != nil {
		o.log.Error("failed to close monitoring store", logger.Error(err))
	}
	o.log.Info("monitoring orchestrator stopped")
}

// Observe wraps a collaborator call with trace, profile, and correlated
// logging in one pass.
func (o *Orchestrator) Observe(ctx context.Context, operation, component string, fn func(ctx context.Context) error) error {
	return o.hub.Observe(ctx, operation, component, fn)
}

// Collector exposes the metrics recorder for platform instrumentation
// (task and API event hooks).
func (o *Orchestrator) Collector() *metrics.Collector { return o.collector }

// Hub exposes the observability hub for direct instrumentation.
func (o *Orchestrator) Hub() *observability.Hub { return o.hub }

// GetCurrentMetrics returns the latest snapshot, if one has been collected.
func (o *Orchestrator) GetCurrentMetrics() (*metrics.Snapshot, bool) {
	return o.collector.GetCurrentSnapshot()
}

// GetMetricsHistory returns persisted metric rows from the last N hours.
func (o *Orchestrator) GetMetricsHistory(ctx context.Context, hours int) (*datastore.MetricsHistory, error) {
	return o.collector.GetHistory(ctx, hours)
}

// GetOverallHealth returns the latest aggregated health view.
func (o *Orchestrator) GetOverallHealth() health.OverallHealth {
	return o.checker.GetOverallHealth()
}

// ForceHealthCheck runs the check battery immediately.
func (o *Orchestrator) ForceHealthCheck(ctx context.Context) health.OverallHealth {
	return o.checker.ForceHealthCheck(ctx)
}

// GetActiveAlerts returns copies of all currently active alerts.
func (o *Orchestrator) GetActiveAlerts() []alerting.Alert {
	return o.engine.GetActiveAlerts()
}

// GetAlertingStatistics returns alert lifecycle counters.
func (o *Orchestrator) GetAlertingStatistics() alerting.Statistics {
	return o.engine.GetStatistics()
}

// AcknowledgeAlert marks an active alert acknowledged by the actor.
func (o *Orchestrator) AcknowledgeAlert(alertID, actor string) error {
	return o.engine.AcknowledgeAlert(alertID, actor)
}

// TriggerManualRecovery runs a named recovery action on demand.
func (o *Orchestrator) TriggerManualRecovery(ctx context.Context, action, component string) health.Record {
	return o.checker.TriggerManualRecovery(ctx, action, component)
}

// GetRecoveryHistory returns recovery records from the last N hours.
func (o *Orchestrator) GetRecoveryHistory(ctx context.Context, hours int) []health.Record {
	return o.checker.GetRecoveryHistory(ctx, hours)
}

// GetObservabilityData returns traces, logs, profile summaries, and the
// health score over the window, optionally narrowed by correlation or
// trace ID.
func (o *Orchestrator) GetObservabilityData(correlationID, traceID string, hours int) observability.Data {
	return o.hub.Snapshot(correlationID, traceID, hours)
}

// RuntimeConfig is the subset of settings safe to change while running.
type RuntimeConfig struct {
	AutoRecoveryEnabled *bool
	AlertRules          []alerting.Rule
}

// UpdateConfiguration applies runtime-safe settings. Loop intervals are
// fixed at start; changing them requires a restart.
func (o *Orchestrator) UpdateConfiguration(cfg RuntimeConfig) {
	if cfg.AutoRecoveryEnabled != nil {
		o.checker.EnableAutoRecovery(*cfg.AutoRecoveryEnabled)
		o.log.Info("auto recovery toggled",
			logger.Bool("enabled", *cfg.AutoRecoveryEnabled))
	}
	if cfg.AlertRules != nil {
		o.engine.ReplaceRules(cfg.AlertRules)
		o.log.Info("alert rules replaced", logger.Int("rules", len(cfg.AlertRules)))
	}
}
