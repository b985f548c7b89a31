package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel/pkg/models"
)

type indexKey struct {
	kind    models.EventKind
	subject string
}

// MemoryStore is the in-process Store. Events are indexed by
// (kind, subject) and by subject; the insertion log backs reporting.
type MemoryStore struct {
	mu        sync.RWMutex
	log       []*models.Event
	byKey     map[indexKey][]*models.Event
	bySubject map[string][]*models.Event
	alerts    []*models.Alert
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:     make(map[indexKey][]*models.Event),
		bySubject: make(map[string][]*models.Event),
	}
}

// Append records an event. Per-key slices stay sorted by timestamp.
func (s *MemoryStore) Append(ctx context.Context, event *models.Event) error {
	if event == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, event)
	key := indexKey{kind: event.Kind, subject: event.SubjectID}
	s.byKey[key] = insertSorted(s.byKey[key], event)
	if event.SubjectID != "" {
		s.bySubject[event.SubjectID] = insertSorted(s.bySubject[event.SubjectID], event)
	}
	return nil
}

// Query returns events of (kind, subject) inside [since, until).
func (s *MemoryStore) Query(ctx context.Context, kind models.EventKind, subject string, since, until time.Time) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return window(s.byKey[indexKey{kind: kind, subject: subject}], since, until), nil
}

// Subject returns all events of subject inside [since, until).
func (s *MemoryStore) Subject(ctx context.Context, subject string, since, until time.Time) ([]*models.Event, error) {
	if subject == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return window(s.bySubject[subject], since, until), nil
}

// Events returns events with ts >= since in insertion order.
func (s *MemoryStore) Events(ctx context.Context, since time.Time) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Event, 0, len(s.log))
	for _, ev := range s.log {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// AppendAlert records an alert.
func (s *MemoryStore) AppendAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return nil
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

// Alerts returns alerts with ts >= since.
func (s *MemoryStore) Alerts(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Alert
	for _, a := range s.alerts {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Evict drops events and alerts older than the cutoff and returns the
// number of events removed.
func (s *MemoryStore) Evict(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	removed := 0
	for _, ev := range s.log {
		if ev.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(s.log); i++ {
		s.log[i] = nil
	}
	s.log = kept

	for key, events := range s.byKey {
		events = trimBefore(events, olderThan)
		if len(events) == 0 {
			delete(s.byKey, key)
			continue
		}
		s.byKey[key] = events
	}
	for subject, events := range s.bySubject {
		events = trimBefore(events, olderThan)
		if len(events) == 0 {
			delete(s.bySubject, subject)
			continue
		}
		s.bySubject[subject] = events
	}

	keptAlerts := s.alerts[:0]
	for _, a := range s.alerts {
		if !a.Timestamp.Before(olderThan) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	s.alerts = keptAlerts

	return removed, nil
}

// Clear drops all history.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.alerts = nil
	s.byKey = make(map[indexKey][]*models.Event)
	s.bySubject = make(map[string][]*models.Event)
	return nil
}

// Len returns the number of retained events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Close is a no-op; the store lives as long as the process.
func (s *MemoryStore) Close() error {
	return nil
}

func insertSorted(events []*models.Event, ev *models.Event) []*models.Event {
	n := len(events)
	if n == 0 || !ev.Timestamp.Before(events[n-1].Timestamp) {
		return append(events, ev)
	}
	idx := sort.Search(n, func(i int) bool {
		return events[i].Timestamp.After(ev.Timestamp)
	})
	events = append(events, nil)
	copy(events[idx+1:], events[idx:])
	events[idx] = ev
	return events
}

func window(events []*models.Event, since, until time.Time) []*models.Event {
	start := sort.Search(len(events), func(i int) bool {
		return !events[i].Timestamp.Before(since)
	})
	var out []*models.Event
	for _, ev := range events[start:] {
		if !inWindow(ev.Timestamp, since, until) {
			break
		}
		out = append(out, ev)
	}
	return out
}

func trimBefore(events []*models.Event, cutoff time.Time) []*models.Event {
	idx := sort.Search(len(events), func(i int) bool {
		return !events[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return events
	}
	return append([]*models.Event(nil), events[idx:]...)
}
