package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/logger"
	"github.com/novakit/opsmon/internal/monitor"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	settings := conf.Defaults()
	settings.DatabasePath = ":memory:"
	registry := prometheus.NewRegistry()
	orch, err := monitor.New(settings, monitor.Collaborators{}, registry, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(orch.Stop)
	return NewServer(orch, registry, ":0", logger.NewNop())
}

func do(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status")
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.orch.Collector().CollectOnce(context.Background())
	rec := do(s, http.MethodGet, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alert_statistics")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.orch.Collector().CollectOnce(context.Background())
	rec := do(s, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "opsmon_collection_cycles_total")
}

func TestAcknowledgeEndpoint_UnknownAlert(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := do(s, http.MethodPost, "/alerts/nope/ack?actor=oncall")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerRecoveryEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := do(s, http.MethodPost, "/recovery/clear_caches?component=memory")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/recovery/no_such_action")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := do(s, http.MethodGet, "/export?format=json&hours=1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/export?format=xml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
