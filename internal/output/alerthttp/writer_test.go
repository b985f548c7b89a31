package alerthttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/models"
)

func TestWriteAlertsPostsPayload(t *testing.T) {
	var got Payload
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{
		URL:         srv.URL,
		Headers:     map[string]string{"Authorization": "Bearer t0k"},
		MinSeverity: models.SeverityHigh,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteAlerts([]*models.Alert{
		{ID: "low", Severity: models.SeverityLow},
		{ID: "crit", Severity: models.SeverityCritical},
	}))
	assert.Equal(t, "Bearer t0k", token)
	assert.Equal(t, "sentinel", got.Source)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "crit", got.Alerts[0].ID)
}

func TestWriteAlertsSkipsEmptyBatch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, MinSeverity: models.SeverityCritical})
	require.NoError(t, err)
	require.NoError(t, w.WriteAlerts([]*models.Alert{{ID: "a", Severity: models.SeverityHigh}}))
	require.NoError(t, w.WriteAlerts(nil))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestWriteAlertsFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.WriteAlerts([]*models.Alert{{ID: "a", Severity: models.SeverityHigh}}))

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}
