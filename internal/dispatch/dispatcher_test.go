package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/models"
)

var ts = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func match(score int, subject string, actions ...models.Action) models.TriggeredMatch {
	ev := &models.Event{
		ID:        "evt-1",
		Timestamp: ts,
		Kind:      models.KindLoginFailure,
		Severity:  models.SeverityMedium,
		SubjectID: subject,
		Score:     score,
	}
	rule := models.Rule{ID: "brute-force", Name: "Brute force", Priority: 8, Active: true, Actions: actions}
	return models.NewTriggeredMatch(ev, rule)
}

func TestEmitAlertSeverityFromScore(t *testing.T) {
	d := New(Config{})
	cases := []struct {
		score    int
		severity models.Severity
		action   bool
	}{
		{2, models.SeverityLow, false},
		{5, models.SeverityMedium, false},
		{7, models.SeverityHigh, true},
		{9, models.SeverityCritical, true},
	}
	for _, tc := range cases {
		effects, err := d.Dispatch(match(tc.score, "1.2.3.4", models.Action{Type: models.ActionEmitAlert}))
		require.NoError(t, err)
		require.Len(t, effects, 1)
		alert := effects[0].Alert
		require.NotNil(t, alert)
		assert.Equal(t, tc.severity, alert.Severity, "score %d", tc.score)
		assert.Equal(t, tc.action, alert.RequiresAction, "score %d", tc.score)
		assert.Equal(t, "evt-1", alert.SourceEventID)
		assert.Equal(t, ts, alert.Timestamp)
	}
}

func TestEscalationAlertIsAtLeastHigh(t *testing.T) {
	d := New(Config{})
	esc := models.Action{Type: models.ActionEmitAlert, Params: map[string]string{"escalate": "true"}}

	effects, err := d.Dispatch(match(3, "u1", esc))
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, effects[0].Alert.Severity)

	effects, err = d.Dispatch(match(9, "u1", esc))
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, effects[0].Alert.Severity)
}

func TestMessageTemplate(t *testing.T) {
	d := New(Config{})
	effects, err := d.Dispatch(match(6, "1.2.3.4", models.Action{
		Type:   models.ActionNotify,
		Params: map[string]string{"target": "role:security", "message": "{kind} from {subject} scored {score} ({rule})"},
	}))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "login-failure from 1.2.3.4 scored 6 (Brute force)", effects[0].Notify.Message)
	assert.Equal(t, "role:security", effects[0].Notify.TargetRole)
	assert.Equal(t, models.SeverityMedium, effects[0].Notify.Priority)
}

func TestLogEventDerivesNextGeneration(t *testing.T) {
	d := New(Config{})
	effects, err := d.Dispatch(match(6, "1.2.3.4", models.Action{Type: models.ActionLogEvent}))
	require.NoError(t, err)
	require.Len(t, effects, 1)

	derived := effects[0].Event
	require.NotNil(t, derived)
	assert.Equal(t, models.KindThreatPatternDetected, derived.Kind)
	assert.Equal(t, 1, derived.Generation)
	assert.Equal(t, "evt-1", derived.SourceEventID)
	assert.Equal(t, "brute-force", derived.RuleID)
	assert.Equal(t, "1.2.3.4", derived.SubjectID)
	assert.True(t, derived.Derived())
}

func TestAutoBlock(t *testing.T) {
	d := New(Config{})

	effects, err := d.Dispatch(match(8, "1.2.3.4", models.Action{Type: models.ActionAutoBlock}))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, models.Duration(15*time.Minute), effects[0].Block.Duration)
	assert.Equal(t, "1.2.3.4", effects[0].Block.SubjectID)

	effects, err = d.Dispatch(match(8, "1.2.3.4", models.Action{Type: models.ActionAutoBlock, Params: map[string]string{"duration": "3600"}}))
	require.NoError(t, err)
	assert.Equal(t, models.Duration(time.Hour), effects[0].Block.Duration)

	effects, err = d.Dispatch(match(8, "", models.Action{Type: models.ActionAutoBlock}))
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestUnknownActionDoesNotStopOthers(t *testing.T) {
	d := New(Config{})
	effects, err := d.Dispatch(match(8, "u1",
		models.Action{Type: "page-oncall"},
		models.Action{Type: models.ActionEmitAlert},
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAction))
	var aerr *ActionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 0, aerr.Index)
	require.Len(t, effects, 1)
	assert.Equal(t, models.EffectAlert, effects[0].Type)
}

func TestDispatchIsDeterministic(t *testing.T) {
	d := New(Config{})
	actions := []models.Action{
		{Type: models.ActionEmitAlert},
		{Type: models.ActionLogEvent},
		{Type: models.ActionNotify, Params: map[string]string{"target": "team:fraud"}},
		{Type: models.ActionAutoBlock},
	}
	m := match(7, "u1", actions...)

	first, err := d.Dispatch(m)
	require.NoError(t, err)
	second, err := d.Dispatch(m)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	ids := map[string]struct{}{}
	ids[first[0].Alert.ID] = struct{}{}
	ids[first[1].Event.ID] = struct{}{}
	ids[first[2].Notify.ID] = struct{}{}
	ids[first[3].Block.ID] = struct{}{}
	assert.Len(t, ids, 4)

	// Fresh objects each call.
	assert.NotSame(t, first[0].Alert, second[0].Alert)
	assert.Equal(t, 0, m.Event.Generation)
}
