package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novakit/opsmon/internal/logger"
)

func TestRegistry_RegisterBuiltins_SkipsAbsentCollaborators(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logger.NewNop())
	r.RegisterBuiltins(BuiltinOptions{})

	names := r.Names()
	assert.Contains(t, names, ActionClearCaches)
	assert.Contains(t, names, ActionPurgeTempFiles)
	assert.NotContains(t, names, ActionOptimizeDatabase, "no store configured")
	assert.NotContains(t, names, ActionRestartStuckWorkers, "no worker controller")
	assert.NotContains(t, names, ActionRestartStaleSessions, "no session controller")
}

func TestRegistry_ExecuteUnknownAction(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logger.NewNop())
	rec := r.Execute(context.Background(), "missing", "db", TriggerManual)
	assert.False(t, rec.Success)
	assert.Equal(t, "missing", rec.Action)
	assert.Equal(t, TriggerManual, rec.Trigger)
}

func TestRegistry_ExecuteClearCaches(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logger.NewNop())
	r.RegisterBuiltins(BuiltinOptions{})

	rec := r.Execute(context.Background(), ActionClearCaches, "memory", TriggerAuto)
	assert.True(t, rec.Success)
}

func TestPurgeTempFiles_RemovesOnlyOldOwnedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	oldProbe := filepath.Join(dir, ".opsmon-old")
	require.NoError(t, os.WriteFile(oldProbe, []byte("x"), 0o600))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldProbe, stale, stale))

	freshProbe := filepath.Join(dir, ".opsmon-fresh")
	require.NoError(t, os.WriteFile(freshProbe, []byte("x"), 0o600))

	foreign := filepath.Join(dir, "user-data.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(foreign, stale, stale))

	require.NoError(t, purgeTempFiles(dir))

	assert.NoFileExists(t, oldProbe)
	assert.FileExists(t, freshProbe, "files younger than the purge age survive")
	assert.FileExists(t, foreign, "files without our prefix are never touched")
}
