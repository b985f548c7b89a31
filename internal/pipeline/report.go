package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"sentinel/pkg/models"
)

const topKindsLimit = 10

// GetMetrics aggregates the events and alerts of the last window.
func (m *Monitor) GetMetrics(ctx context.Context, window time.Duration) (models.MetricsReport, error) {
	if window <= 0 {
		return models.MetricsReport{}, fmt.Errorf("report window must be positive")
	}
	now := m.now()
	since := now.Add(-window)

	events, err := m.store.Events(ctx, since)
	if err != nil {
		m.metrics.ObserveStoreError("events")
		return models.MetricsReport{}, fmt.Errorf("load events: %w", err)
	}
	alerts, err := m.store.Alerts(ctx, since)
	if err != nil {
		m.metrics.ObserveStoreError("alerts")
		return models.MetricsReport{}, fmt.Errorf("load alerts: %w", err)
	}

	report := Aggregate(events, since, now)
	report.Window = models.Duration(window)
	for _, a := range alerts {
		if !a.Timestamp.After(now) {
			report.AlertCount++
		}
	}
	return report, nil
}

// Aggregate summarizes events with timestamps in [since, until]. Kinds
// with equal counts keep the order they were first seen in.
func Aggregate(events []*models.Event, since, until time.Time) models.MetricsReport {
	report := models.MetricsReport{EventsBySeverity: make(map[models.Severity]int)}

	counts := make(map[models.EventKind]int)
	var order []models.EventKind
	scoreSum := 0
	for _, ev := range events {
		if ev.Timestamp.Before(since) || ev.Timestamp.After(until) {
			continue
		}
		report.TotalEvents++
		report.EventsBySeverity[ev.Severity]++
		if _, seen := counts[ev.Kind]; !seen {
			order = append(order, ev.Kind)
		}
		counts[ev.Kind]++
		scoreSum += ev.Score
	}

	top := make([]models.KindCount, 0, len(order))
	for _, k := range order {
		top = append(top, models.KindCount{Kind: k, Count: counts[k]})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })
	if len(top) > topKindsLimit {
		top = top[:topKindsLimit]
	}
	report.TopKinds = top

	if report.TotalEvents > 0 {
		avg := float64(scoreSum) / float64(report.TotalEvents)
		report.AvgScore = math.Round(avg*100) / 100
	}
	return report
}
