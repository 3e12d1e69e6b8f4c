package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/logger"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	settings := conf.Defaults()
	settings.DatabasePath = ":memory:"
	orch, err := New(settings, Collaborators{}, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(orch.Stop)
	return orch
}

func TestGetSystemStatus_PartialBeforeFirstCycle(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	status := orch.GetSystemStatus()

	assert.Equal(t, "opsmon", status.Service)
	assert.Nil(t, status.Metrics)
	assert.Contains(t, status.PartialErrors, "no metrics collected yet")
	assert.Empty(t, status.ActiveAlerts)
}

func TestGetSystemStatus_AfterCollection(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	orch.Collector().CollectOnce(context.Background())

	status := orch.GetSystemStatus()
	require.NotNil(t, status.Metrics)
	assert.Empty(t, status.PartialErrors)
}

func TestExportData_JSON(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	orch.Collector().CollectOnce(context.Background())

	data, err := orch.ExportData(context.Background(), FormatJSON, 24)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "opsmon", decoded["service"])
	assert.Contains(t, decoded, "history")
	assert.Contains(t, decoded, "health")
}

func TestExportData_CSV(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	orch.Collector().CollectOnce(context.Background())

	data, err := orch.ExportData(context.Background(), FormatCSV, 24)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, []string{"section", "timestamp", "key", "value", "detail"}, records[0])

	var sawSystemRow bool
	for _, rec := range records[1:] {
		if rec[0] == "system" && rec[2] == "cpu_percent" {
			sawSystemRow = true
		}
	}
	assert.True(t, sawSystemRow, "csv carries the persisted system series")
}

func TestExportData_UnknownFormat(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	_, err := orch.ExportData(context.Background(), "xml", 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestForceHealthCheckAndRecommendations(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	overall := orch.ForceHealthCheck(context.Background())
	assert.NotEmpty(t, overall.Components)
	assert.Contains(t, overall.Components, "database")

	// Recommendations never panic, even on a quiet system.
	_ = orch.GetRecommendations()
}

func TestUpdateConfiguration_RuntimeSafeSubset(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	enabled := false
	orch.UpdateConfiguration(RuntimeConfig{AutoRecoveryEnabled: &enabled})

	// Toggle back on; both directions apply without restart.
	enabled = true
	orch.UpdateConfiguration(RuntimeConfig{AutoRecoveryEnabled: &enabled})
}

func TestObserve_FlowsThroughHub(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	err := orch.Observe(context.Background(), "sync-roster", "agents", func(_ context.Context) error {
		return nil
	})
	require.NoError(t, err)

	data := orch.GetObservabilityData("", "", 1)
	require.Len(t, data.Spans, 1)
	assert.Equal(t, "sync-roster", data.Spans[0].Operation)
}
