package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/novakit/opsmon/internal/datastore"
	"github.com/novakit/opsmon/internal/logger"
)

// Built-in recovery action names. Checks reference these in their
// RecoveryHints.
const (
	ActionClearCaches          = "clear_caches"
	ActionRestartStuckWorkers  = "restart_stuck_workers"
	ActionOptimizeDatabase     = "optimize_database"
	ActionPurgeTempFiles       = "purge_temp_files"
	ActionRestartStaleSessions = "restart_stale_sessions"
)

// Recovery trigger kinds recorded in history.
const (
	TriggerAuto    = "auto"
	TriggerManual  = "manual"
	TriggerCascade = "cascade"
)

// Action is one executable recovery step.
type Action interface {
	Name() string
	Execute(ctx context.Context) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context) error
}

func (a ActionFunc) Name() string { return a.ActionName }

func (a ActionFunc) Execute(ctx context.Context) error { return a.Fn(ctx) }

// Record is one recovery attempt, kept in bounded history and persisted.
type Record struct {
	Action    string        `json:"action"`
	Component string        `json:"component"`
	Trigger   string        `json:"trigger"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// WorkerController restarts stuck agent workers. Implemented by the
// orchestration platform; nil disables the restart_stuck_workers action.
type WorkerController interface {
	RestartStuckWorkers(ctx context.Context) error
}

// SessionController restarts stale agent sessions. Nil disables
// restart_stale_sessions.
type SessionController interface {
	RestartStaleSessions(ctx context.Context) error
}

// Registry maps action names to executable recovery actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	log     logger.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		actions: make(map[string]Action),
		log:     log,
	}
}

// Register adds or replaces an action under its name.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named action and returns its outcome as a Record.
// Unknown actions produce a failed record, not an error; callers treat
// unknown hints as a recovery miss rather than a fault.
func (r *Registry) Execute(ctx context.Context, name, component, trigger string) Record {
	rec := Record{
		Action:    name,
		Component: component,
		Trigger:   trigger,
		At:        time.Now(),
	}
	r.mu.RLock()
	action, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		rec.Message = "no such recovery action"
		return rec
	}

	started := time.Now()
	err := action.Execute(ctx)
	rec.Duration = time.Since(started)
	if err != nil {
		rec.Message = err.Error()
		r.log.Error("recovery action failed",
			logger.String("action", name),
			logger.String("component", component),
			logger.String("trigger", trigger),
			logger.Error(err))
		return rec
	}
	rec.Success = true
	r.log.Info("recovery action completed",
		logger.String("action", name),
		logger.String("component", component),
		logger.String("trigger", trigger),
		logger.Duration("duration", rec.Duration))
	return rec
}

// BuiltinOptions configures the stock recovery actions.
type BuiltinOptions struct {
	Store    *datastore.Store
	TempDir  string
	Workers  WorkerController
	Sessions SessionController
}

// RegisterBuiltins wires the stock actions into the registry. Actions whose
// collaborator is absent are skipped rather than registered as no-ops, so an
// unknown-action record is produced if a check hints at them.
func (r *Registry) RegisterBuiltins(opts BuiltinOptions) {
	r.Register(ActionFunc{
		ActionName: ActionClearCaches,
		Fn: func(_ context.Context) error {
			debug.FreeOSMemory()
			return nil
		},
	})

	if opts.Store != nil {
		r.Register(ActionFunc{
			ActionName: ActionOptimizeDatabase,
			Fn: func(ctx context.Context) error {
				return opts.Store.Vacuum(ctx)
			},
		})
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	r.Register(ActionFunc{
		ActionName: ActionPurgeTempFiles,
		Fn: func(_ context.Context) error {
			return purgeTempFiles(tempDir)
		},
	})

	if opts.Workers != nil {
		r.Register(ActionFunc{
			ActionName: ActionRestartStuckWorkers,
			Fn:         opts.Workers.RestartStuckWorkers,
		})
	}
	if opts.Sessions != nil {
		r.Register(ActionFunc{
			ActionName: ActionRestartStaleSessions,
			Fn:         opts.Sessions.RestartStaleSessions,
		})
	}
}

// purgeTempAge is the minimum age before a temp file is eligible for purge.
const purgeTempAge = time.Hour

// purgeTempFiles removes opsmon-owned temp files older than purgeTempAge.
// Only files matching our own prefix are touched.
func purgeTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to scan temp dir %s: %w", dir, err)
	}
	cutoff := time.Now().Add(-purgeTempAge)
	var lastErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, ".opsmon-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
