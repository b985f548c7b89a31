package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/store"
	"sentinel/pkg/models"
)

func TestGetMetricsAggregatesWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	add := func(kind models.EventKind, sev models.Severity, ago time.Duration, score int) {
		require.NoError(t, st.Append(ctx, &models.Event{
			ID: string(kind) + ago.String(), Kind: kind, Severity: sev,
			Timestamp: base.Add(-ago), Score: score,
		}))
	}
	add(models.KindLoginFailure, models.SeverityMedium, 2*time.Hour, 9)
	add(models.KindXSSAttempt, models.SeverityMedium, 50*time.Minute, 3)
	add(models.KindLoginFailure, models.SeverityMedium, 40*time.Minute, 4)
	add(models.KindXSSAttempt, models.SeverityHigh, 30*time.Minute, 4)
	add(models.KindLoginFailure, models.SeverityMedium, 20*time.Minute, 5)
	add(models.KindSQLInjection, models.SeverityCritical, 10*time.Minute, 7)
	require.NoError(t, st.AppendAlert(ctx, &models.Alert{ID: "a1", Timestamp: base.Add(-5 * time.Minute)}))
	require.NoError(t, st.AppendAlert(ctx, &models.Alert{ID: "a0", Timestamp: base.Add(-3 * time.Hour)}))

	m := newMonitor(t, st, Config{}, Deps{})
	report, err := m.GetMetrics(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, models.Duration(time.Hour), report.Window)
	assert.Equal(t, 5, report.TotalEvents)
	assert.Equal(t, 1, report.AlertCount)
	assert.Equal(t, 4.6, report.AvgScore)
	assert.Equal(t, map[models.Severity]int{
		models.SeverityMedium:   3,
		models.SeverityHigh:     1,
		models.SeverityCritical: 1,
	}, report.EventsBySeverity)
	assert.Equal(t, []models.KindCount{
		{Kind: models.KindXSSAttempt, Count: 2},
		{Kind: models.KindLoginFailure, Count: 2},
		{Kind: models.KindSQLInjection, Count: 1},
	}, report.TopKinds)

	_, err = m.GetMetrics(ctx, 0)
	assert.Error(t, err)
}

func TestAggregateRoundsAverage(t *testing.T) {
	events := []*models.Event{
		{Kind: models.KindXSSAttempt, Timestamp: base, Score: 1},
		{Kind: models.KindXSSAttempt, Timestamp: base, Score: 1},
		{Kind: models.KindXSSAttempt, Timestamp: base, Score: 2},
	}
	report := Aggregate(events, base.Add(-time.Minute), base)
	assert.Equal(t, 1.33, report.AvgScore)
	assert.Equal(t, 3, report.TotalEvents)
}

func TestAggregateEmpty(t *testing.T) {
	report := Aggregate(nil, base.Add(-time.Hour), base)
	assert.Zero(t, report.TotalEvents)
	assert.Zero(t, report.AvgScore)
	assert.Empty(t, report.TopKinds)
}
