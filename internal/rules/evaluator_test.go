package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/store"
	"sentinel/pkg/models"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func loginFailure(id, subject string, ts time.Time) *models.Event {
	return &models.Event{
		ID:        id,
		Timestamp: ts,
		Kind:      models.KindLoginFailure,
		Severity:  models.SeverityMedium,
		SubjectID: subject,
	}
}

func bruteForceRule() models.Rule {
	return models.Rule{
		ID:       "brute-force",
		Name:     "Brute force",
		Priority: 8,
		Active:   true,
		Conditions: []models.Condition{
			{Field: "kind", Operator: models.OpEquals, Value: "login-failure"},
			{Field: models.FieldWindowCount, Operator: models.OpGreaterOrEqual, Value: 5, Window: models.Duration(5 * time.Minute)},
		},
		Actions: []models.Action{{Type: models.ActionEmitAlert}},
	}
}

// feed evaluates then appends, the order the pipeline uses.
func feed(t *testing.T, e *Evaluator, s store.Store, snap *Snapshot, ev *models.Event) []models.TriggeredMatch {
	t.Helper()
	matches := e.Evaluate(context.Background(), ev, snap)
	require.NoError(t, s.Append(context.Background(), ev))
	return matches
}

func TestWindowedThresholdFiresOnFifthEvent(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEvaluator(s)
	snap := &Snapshot{Rules: []models.Rule{bruteForceRule()}}

	for i := 0; i < 4; i++ {
		got := feed(t, e, s, snap, loginFailure(fmt.Sprint(i), "10.0.0.1", base.Add(time.Duration(i)*time.Minute)))
		assert.Empty(t, got, "event %d", i)
	}
	got := feed(t, e, s, snap, loginFailure("4", "10.0.0.1", base.Add(4*time.Minute)))
	require.Len(t, got, 1)
	assert.Equal(t, "brute-force", got[0].Rule.ID)
	assert.Equal(t, "4", got[0].Event.ID)

	// A sixth attempt later does not re-fire on the same history.
	got = feed(t, e, s, snap, loginFailure("5", "10.0.0.1", base.Add(6*time.Minute)))
	assert.Empty(t, got)

	// Five fresh attempts fire again.
	for i := 7; i < 10; i++ {
		assert.Empty(t, feed(t, e, s, snap, loginFailure(fmt.Sprint(i), "10.0.0.1", base.Add(time.Duration(i)*time.Minute))))
	}
	got = feed(t, e, s, snap, loginFailure("10", "10.0.0.1", base.Add(10*time.Minute)))
	require.Len(t, got, 1)

	assert.Equal(t, int64(2), e.Stats()["brute-force"].TriggerCount)
}

func TestSixthAttemptTenMinutesLaterDoesNotMatch(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEvaluator(s)
	snap := &Snapshot{Rules: []models.Rule{bruteForceRule()}}

	var fired int
	for i := 0; i < 5; i++ {
		fired += len(feed(t, e, s, snap, loginFailure(fmt.Sprint(i), "1.2.3.4", base.Add(time.Duration(i)*time.Minute))))
	}
	assert.Equal(t, 1, fired)
	assert.Empty(t, feed(t, e, s, snap, loginFailure("6", "1.2.3.4", base.Add(14*time.Minute))))
}

func TestWindowedThresholdRespectsWindowAndSubject(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEvaluator(s)
	snap := &Snapshot{Rules: []models.Rule{bruteForceRule()}}

	for i := 0; i < 4; i++ {
		feed(t, e, s, snap, loginFailure(fmt.Sprint(i), "10.0.0.1", base.Add(time.Duration(i)*time.Minute)))
	}
	// Other subjects never contribute.
	assert.Empty(t, feed(t, e, s, snap, loginFailure("other", "10.0.0.2", base.Add(4*time.Minute))))
	// Too late: the first attempts have left the window.
	assert.Empty(t, feed(t, e, s, snap, loginFailure("late", "10.0.0.1", base.Add(10*time.Minute))))
}

type failingHistory struct{}

func (failingHistory) Query(context.Context, models.EventKind, string, time.Time, time.Time) ([]*models.Event, error) {
	return nil, store.ErrStoreUnavailable
}

func TestWindowedConditionFailsClosedOnStoreError(t *testing.T) {
	e := NewEvaluator(failingHistory{})
	rule := bruteForceRule()
	rule.Conditions[1].Value = 1
	snap := &Snapshot{Rules: []models.Rule{rule}}

	got := e.Evaluate(context.Background(), loginFailure("1", "10.0.0.1", base), snap)
	assert.Empty(t, got)
}

func TestMatchesOrderedByPriorityThenID(t *testing.T) {
	e := NewEvaluator(nil)
	rule := func(id string, priority int) models.Rule {
		return models.Rule{
			ID: id, Name: id, Priority: priority, Active: true,
			Conditions: []models.Condition{{Field: "kind", Operator: models.OpEquals, Value: "login-failure"}},
		}
	}
	snap := &Snapshot{Rules: []models.Rule{rule("low", 3), rule("high", 9), rule("also-high", 9)}}

	got := e.Evaluate(context.Background(), loginFailure("1", "u1", base), snap)
	require.Len(t, got, 3)
	assert.Equal(t, "also-high", got[0].Rule.ID)
	assert.Equal(t, "high", got[1].Rule.ID)
	assert.Equal(t, "low", got[2].Rule.ID)
}

func TestInactiveRulesNeverMatch(t *testing.T) {
	e := NewEvaluator(nil)
	snap := &Snapshot{Rules: []models.Rule{{
		ID: "off", Name: "off", Active: false,
		Conditions: []models.Condition{{Field: "kind", Operator: models.OpEquals, Value: "login-failure"}},
	}}}
	assert.Empty(t, e.Evaluate(context.Background(), loginFailure("1", "u1", base), snap))
}

func TestTimeOfDayBetweenWrapsMidnight(t *testing.T) {
	e := NewEvaluator(nil)
	snap := &Snapshot{Rules: []models.Rule{{
		ID: "night", Name: "Night access", Active: true,
		Conditions: []models.Condition{{Field: "time_of_day", Operator: models.OpBetween, Value: []interface{}{"18:00", "09:00"}}},
	}}}

	at := func(h, m int) *models.Event {
		return loginFailure("x", "u1", time.Date(2026, 3, 1, h, m, 0, 0, time.UTC))
	}
	assert.Len(t, e.Evaluate(context.Background(), at(23, 0), snap), 1)
	assert.Len(t, e.Evaluate(context.Background(), at(3, 0), snap), 1)
	assert.Len(t, e.Evaluate(context.Background(), at(9, 0), snap), 1)
	assert.Empty(t, e.Evaluate(context.Background(), at(12, 0), snap))
}

func TestTimeOfDayUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	e := NewEvaluator(nil, WithLocation(loc))
	snap := &Snapshot{Rules: []models.Rule{{
		ID: "morning", Name: "morning", Active: true,
		Conditions: []models.Condition{{Field: "time_of_day", Operator: models.OpBetween, Value: []string{"08:00", "09:00"}}},
	}}}
	// 06:30 UTC is 08:30 local.
	ev := loginFailure("x", "u1", time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC))
	assert.Len(t, e.Evaluate(context.Background(), ev, snap), 1)
}

func TestMalformedRuleIsSkippedOthersStillMatch(t *testing.T) {
	e := NewEvaluator(nil)
	snap := &Snapshot{Rules: []models.Rule{
		{
			ID: "broken", Name: "broken", Active: true, Priority: 10,
			Conditions: []models.Condition{{Field: "attributes.path", Operator: models.OpGreaterThan, Value: 5}},
		},
		{
			ID: "bad-regex", Name: "bad regex", Active: true,
			Conditions: []models.Condition{{Field: "attributes.path", Operator: models.OpMatches, Value: "("}},
		},
		{
			ID: "ok", Name: "ok", Active: true,
			Conditions: []models.Condition{{Field: "attributes.path", Operator: models.OpContains, Value: "ADMIN"}},
		},
	}}
	ev := loginFailure("1", "u1", base)
	ev.Attributes.Path = "/admin/users"

	got := e.Evaluate(context.Background(), ev, snap)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Rule.ID)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	snap := &Snapshot{Rules: []models.Rule{
		{
			ID: "admin", Name: "admin", Active: true, Priority: 5,
			Conditions: []models.Condition{
				{Field: "attributes.admin_function", Operator: models.OpEquals, Value: true},
				{Field: "severity", Operator: models.OpGreaterOrEqual, Value: "medium"},
			},
			Actions: []models.Action{{Type: models.ActionEmitAlert}},
		},
		{
			ID: "score", Name: "score", Active: true, Priority: 5,
			Conditions: []models.Condition{{Field: "score", Operator: models.OpBetween, Value: []interface{}{4, 10}}},
		},
	}}
	ev := loginFailure("1", "u1", base)
	ev.Attributes.AdminFunction = true
	ev.Score = 6

	first := NewEvaluator(nil).Evaluate(context.Background(), ev, snap)
	second := NewEvaluator(nil).Evaluate(context.Background(), ev, snap)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
}

func TestMatchSnapshotsRuleActions(t *testing.T) {
	rule := bruteForceRule()
	rule.Conditions = rule.Conditions[:1]
	snap := &Snapshot{Rules: []models.Rule{rule}}

	got := NewEvaluator(nil).Evaluate(context.Background(), loginFailure("1", "u1", base), snap)
	require.Len(t, got, 1)
	snap.Rules[0].Actions[0].Type = models.ActionNotify
	assert.Equal(t, models.ActionEmitAlert, got[0].ActionsToRun[0].Type)
}

func TestPruneForgetsOldResets(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEvaluator(s)
	rule := bruteForceRule()
	rule.Conditions[1].Value = 1
	snap := &Snapshot{Rules: []models.Rule{rule}}

	require.Len(t, feed(t, e, s, snap, loginFailure("1", "u1", base)), 1)
	assert.Equal(t, 0, e.Prune(base))
	assert.Equal(t, 1, e.Prune(base.Add(time.Second)))
}

func TestMalformedRuleErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&MalformedRuleError{RuleID: "r", Field: "f", Operator: "equals", Message: "bad", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "malformed rule r")
}
