package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/metrics"
	"sentinel/internal/pipeline"
	"sentinel/internal/rules"
	"sentinel/internal/store"
	"sentinel/pkg/models"
)

type fixture struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	registry *rules.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg, err := rules.NewRegistry(nil)
	require.NoError(t, err)
	promReg := prometheus.NewRegistry()
	mon, err := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Store:    st,
		Registry: reg,
		Metrics:  metrics.New(promReg),
	})
	require.NoError(t, err)

	s := NewServer(mon, reg, mon.Evaluator(), promReg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, registry: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const ruleJSON = `{
	"id": "brute-force",
	"name": "Brute force",
	"priority": 8,
	"active": true,
	"conditions": [
		{"field": "kind", "operator": "equals", "value": "login-failure"},
		{"field": "window_count", "operator": "greater_or_equal", "value": 2, "window": "5m"}
	],
	"actions": [{"type": "emit-alert"}]
}`

func TestPostEventsAcceptsSingleAndBatch(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/events", `{"kind":"login-failure","attributes":{"ipAddress":"1.2.3.4"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.IDs, 1)

	resp = f.do(t, http.MethodPost, "/events", `[{"kind":"xss-attempt"},{"severity":"high"},42]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.IDs, 1)
	assert.Equal(t, 2, out.Ignored)

	assert.Equal(t, 2, f.store.Len())
}

func TestPostEventsRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/events", `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/rules", ruleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/rules", ruleJSON)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/rules/brute-force", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rule models.Rule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rule))
	assert.Equal(t, models.Duration(5*time.Minute), rule.Conditions[1].Window)

	updated := strings.Replace(ruleJSON, `"priority": 8`, `"priority": 9`, 1)
	resp = f.do(t, http.MethodPut, "/rules/brute-force", updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, _ := f.registry.Get("brute-force")
	assert.Equal(t, 9, got.Priority)

	resp = f.do(t, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Rule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)

	resp = f.do(t, http.MethodDelete, "/rules/brute-force", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/rules/brute-force", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/rules/brute-force", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRuleValidationError(t *testing.T) {
	f := newFixture(t)
	bad := strings.Replace(ruleJSON, `"operator": "equals"`, `"operator": "resembles"`, 1)

	resp := f.do(t, http.MethodPost, "/rules", bad)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "conditions[0].operator", out.Field)

	resp = f.do(t, http.MethodPost, "/rules", `{"id":"x","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportAndStats(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/rules", ruleJSON).StatusCode)

	for i := 0; i < 2; i++ {
		f.do(t, http.MethodPost, "/events", `{"kind":"login-failure","subject_id":"1.2.3.4"}`)
	}

	resp := f.do(t, http.MethodGet, "/report?window=1h", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report models.MetricsReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 2, report.TotalEvents)
	assert.Equal(t, 1, report.AlertCount)
	require.Len(t, report.TopKinds, 1)
	assert.Equal(t, models.KindLoginFailure, report.TopKinds[0].Kind)

	resp = f.do(t, http.MethodGet, "/report?hours=24", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/report?window=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/rules/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]rules.RuleStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats["brute-force"].TriggerCount)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/events", `{"kind":"login-success"}`)

	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err := io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `sentinel_events_total{kind="login-success"} 1`)
}
