package rules

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sentinel/internal/logger"
	"sentinel/internal/metrics"
	"sentinel/pkg/models"
)

// History is the read side of the ephemeral store used by windowed
// conditions.
type History interface {
	Query(ctx context.Context, kind models.EventKind, subject string, since, until time.Time) ([]*models.Event, error)
}

// RuleStats counts how often a rule has fired.
type RuleStats struct {
	TriggerCount  int64     `json:"trigger_count"`
	LastTriggered time.Time `json:"last_triggered"`
}

type fireKey struct {
	rule    string
	subject string
}

// Evaluator matches events against a rule snapshot.
//
// A windowed condition counts prior events of the same (kind, subject) in
// [ts-window, ts) plus the event itself. Once a rule fires for a subject,
// only events after that firing are counted again.
type Evaluator struct {
	history  History
	location *time.Location
	metrics  *metrics.Metrics

	mu        sync.Mutex
	stats     map[string]*RuleStats
	lastFired map[fireKey]time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLocation sets the zone used for time_of_day conditions.
func WithLocation(loc *time.Location) EvaluatorOption {
	return func(e *Evaluator) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithMetrics records matches, malformed rules and store errors.
func WithMetrics(m *metrics.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator reading window history from history.
func NewEvaluator(history History, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		history:   history,
		location:  time.UTC,
		stats:     make(map[string]*RuleStats),
		lastFired: make(map[fireKey]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the matches of event against every active rule in
// snap, ordered by priority descending then rule ID.
func (e *Evaluator) Evaluate(ctx context.Context, event *models.Event, snap *Snapshot) []models.TriggeredMatch {
	if event == nil || snap == nil {
		return nil
	}

	var matches []models.TriggeredMatch
	for _, rule := range snap.Rules {
		if !rule.Active {
			continue
		}
		ok, err := e.matchRule(ctx, event, rule)
		if err != nil {
			var malformed *MalformedRuleError
			if errors.As(err, &malformed) {
				logger.With(logger.Fields{"rule": rule.ID, "event": event.ID}).Warnf("Skipping rule: %v", err)
				e.metrics.ObserveMalformed(rule.ID)
			}
			continue
		}
		if ok {
			matches = append(matches, models.NewTriggeredMatch(event, rule))
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Rule.Priority != matches[j].Rule.Priority {
			return matches[i].Rule.Priority > matches[j].Rule.Priority
		}
		return matches[i].Rule.ID < matches[j].Rule.ID
	})

	if len(matches) > 0 {
		e.recordTriggers(event, matches)
	}
	return matches
}

// Stats returns a copy of the per-rule trigger counters.
func (e *Evaluator) Stats() map[string]RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]RuleStats, len(e.stats))
	for id, s := range e.stats {
		out[id] = *s
	}
	return out
}

// Prune forgets window resets older than before. Call it alongside store
// eviction.
func (e *Evaluator) Prune(before time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, ts := range e.lastFired {
		if ts.Before(before) {
			delete(e.lastFired, k)
			n++
		}
	}
	return n
}

// Reset clears trigger counters and window resets.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = make(map[string]*RuleStats)
	e.lastFired = make(map[fireKey]time.Time)
}

func (e *Evaluator) recordTriggers(event *models.Event, matches []models.TriggeredMatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range matches {
		s := e.stats[m.Rule.ID]
		if s == nil {
			s = &RuleStats{}
			e.stats[m.Rule.ID] = s
		}
		s.TriggerCount++
		if event.Timestamp.After(s.LastTriggered) {
			s.LastTriggered = event.Timestamp
		}
		if event.SubjectID != "" && hasWindow(m.Rule) {
			e.lastFired[fireKey{rule: m.Rule.ID, subject: event.SubjectID}] = event.Timestamp
		}
		e.metrics.ObserveMatch(m.Rule.ID)
	}
}

func (e *Evaluator) matchRule(ctx context.Context, event *models.Event, rule models.Rule) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, &MalformedRuleError{RuleID: rule.ID, Message: "rule has no conditions"}
	}
	// Plain conditions first so windowed ones only hit the store when
	// everything else already holds.
	for _, c := range rule.Conditions {
		if c.Windowed() {
			continue
		}
		ok, err := e.matchCondition(event, rule.ID, c)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, c := range rule.Conditions {
		if !c.Windowed() {
			continue
		}
		ok, err := e.matchWindow(ctx, event, rule.ID, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) matchCondition(event *models.Event, ruleID string, c models.Condition) (bool, error) {
	op, ok := operators[c.Operator]
	if !ok {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "unknown operator"}
	}
	if !KnownField(c.Field) {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "unknown field"}
	}

	value, present := event.Lookup(c.Field, e.location)
	if !present {
		// An absent field contains nothing.
		return c.Operator == models.OpNotContains, nil
	}
	matched, err := op(value, c)
	if err != nil {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "cannot evaluate", Err: err}
	}
	return matched, nil
}

func (e *Evaluator) matchWindow(ctx context.Context, event *models.Event, ruleID string, c models.Condition) (bool, error) {
	if c.Window <= 0 {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "window must be positive"}
	}
	if event.SubjectID == "" || e.history == nil {
		return false, nil
	}

	kind := c.WindowKind
	if kind == "" {
		kind = event.Kind
	}
	since := event.Timestamp.Add(-c.Window.Std())

	e.mu.Lock()
	last, fired := e.lastFired[fireKey{rule: ruleID, subject: event.SubjectID}]
	e.mu.Unlock()
	if fired && !last.Before(since) {
		since = last.Add(time.Nanosecond)
	}

	prior, err := e.history.Query(ctx, kind, event.SubjectID, since, event.Timestamp)
	if err != nil {
		// Fail closed: a rule that cannot see its history does not fire.
		logger.With(logger.Fields{"rule": ruleID, "subject": event.SubjectID}).Warnf("Window query failed: %v", err)
		e.metrics.ObserveStoreError("query")
		return false, err
	}

	count := len(prior)
	if event.Kind == kind {
		count++
	}

	op, ok := operators[c.Operator]
	if !ok {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "unknown operator"}
	}
	matched, err := op(float64(count), c)
	if err != nil {
		return false, &MalformedRuleError{RuleID: ruleID, Field: c.Field, Operator: string(c.Operator), Message: "cannot evaluate", Err: err}
	}
	return matched, nil
}

func hasWindow(rule models.Rule) bool {
	for _, c := range rule.Conditions {
		if c.Windowed() {
			return true
		}
	}
	return false
}
