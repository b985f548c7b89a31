// Package store holds the windowed event and alert history used for
// threshold conditions and reporting.
package store

import (
	"context"
	"errors"
	"time"

	"sentinel/pkg/models"
)

// ErrStoreUnavailable wraps any failure of the backing store. Windowed
// conditions treat it as "not met".
var ErrStoreUnavailable = errors.New("event store unavailable")

// Store is an append-only event log with windowed lookups.
type Store interface {
	// Append records an event.
	Append(ctx context.Context, event *models.Event) error
	// Query returns events of kind from subject with since <= ts < until,
	// ascending by time.
	Query(ctx context.Context, kind models.EventKind, subject string, since, until time.Time) ([]*models.Event, error)
	// Subject returns all events of subject with since <= ts < until.
	Subject(ctx context.Context, subject string, since, until time.Time) ([]*models.Event, error)
	// Events returns every event with ts >= since in insertion order.
	Events(ctx context.Context, since time.Time) ([]*models.Event, error)
	// AppendAlert records an alert for reporting.
	AppendAlert(ctx context.Context, alert *models.Alert) error
	// Alerts returns alerts with ts >= since.
	Alerts(ctx context.Context, since time.Time) ([]*models.Alert, error)
	// Evict removes events and alerts older than the cutoff.
	Evict(ctx context.Context, olderThan time.Time) (int, error)
	// Clear drops everything.
	Clear(ctx context.Context) error
	Close() error
}

func inWindow(ts, since, until time.Time) bool {
	if ts.Before(since) {
		return false
	}
	return until.IsZero() || ts.Before(until)
}
