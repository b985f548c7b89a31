package pipeline

import "sentinel/pkg/models"

// EventWriter receives every processed event for SIEM/audit export.
type EventWriter interface {
	WriteEvents(events []*models.Event) error
	Close() error
}
