package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/models"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*models.Rule)
		field string
	}{
		{"missing id", func(r *models.Rule) { r.ID = "" }, "id"},
		{"missing name", func(r *models.Rule) { r.Name = " " }, "name"},
		{"no conditions", func(r *models.Rule) { r.Conditions = nil }, "conditions"},
		{"unknown field", func(r *models.Rule) { r.Conditions[0].Field = "colour" }, "conditions[0].field"},
		{"non numeric threshold", func(r *models.Rule) {
			r.Conditions[0] = models.Condition{Field: "score", Operator: models.OpGreaterThan, Value: "high-ish"}
		}, "conditions[0].value"},
		{"between needs two bounds", func(r *models.Rule) {
			r.Conditions[0] = models.Condition{Field: "score", Operator: models.OpBetween, Value: []interface{}{1}}
		}, "conditions[0].value"},
		{"bad clock", func(r *models.Rule) {
			r.Conditions[0] = models.Condition{Field: "time_of_day", Operator: models.OpBetween, Value: []interface{}{"25:00", "03:00"}}
		}, "conditions[0].value"},
		{"bad regex", func(r *models.Rule) {
			r.Conditions[0] = models.Condition{Field: "attributes.path", Operator: models.OpMatches, Value: "(["}
		}, "conditions[0].value"},
		{"window without duration", func(r *models.Rule) {
			r.Conditions[0] = models.Condition{Field: models.FieldWindowCount, Operator: models.OpGreaterThan, Value: 3}
		}, "conditions[0].window"},
		{"window on plain field", func(r *models.Rule) { r.Conditions[0].Window = models.Duration(60) }, "conditions[0].window"},
		{"unknown action", func(r *models.Rule) { r.Actions[0].Type = "page" }, "actions[0].type"},
		{"notify without target", func(r *models.Rule) {
			r.Actions[0] = models.Action{Type: models.ActionNotify, Params: map[string]string{"target": "security"}}
		}, "actions[0].params.target"},
		{"bad block duration", func(r *models.Rule) {
			r.Actions[0] = models.Action{Type: models.ActionAutoBlock, Params: map[string]string{"duration": "-5"}}
		}, "actions[0].params.duration"},
		{"bad severity override", func(r *models.Rule) { r.Actions[0].Params = map[string]string{"severity": "spicy"} }, "actions[0].params.severity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := simpleRule("r1")
			tc.edit(&rule)
			err := Validate(rule)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateAcceptsSeverityNames(t *testing.T) {
	rule := simpleRule("sev")
	rule.Conditions = []models.Condition{
		{Field: "severity", Operator: models.OpGreaterOrEqual, Value: "high"},
		{Field: "extra.channel", Operator: models.OpContains, Value: []interface{}{"sms", "email"}},
		{Field: models.FieldWindowCount, Operator: models.OpEquals, Value: 3, Window: models.Duration(60e9), WindowKind: models.KindFraudAttempt},
	}
	rule.Actions = []models.Action{
		{Type: models.ActionNotify, Params: map[string]string{"target": "team:fraud"}},
		{Type: models.ActionAutoBlock, Params: map[string]string{"duration": "15m"}},
		{Type: models.ActionLogEvent, Params: map[string]string{"kind": "auto-block"}},
	}
	assert.NoError(t, Validate(rule))
}

func TestContainsIsCaseInsensitiveByDefault(t *testing.T) {
	c := models.Condition{Field: "attributes.message", Operator: models.OpContains, Value: "urgent"}
	ok, err := opContains("URGENT: call me", c)
	require.NoError(t, err)
	assert.True(t, ok)

	c.CaseSensitive = true
	ok, err = opContains("URGENT: call me", c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContainsOnPatternList(t *testing.T) {
	c := models.Condition{Field: "patterns", Operator: models.OpContains, Value: "sigma:sqli-probe"}
	ok, err := opContains([]string{"sigma:traversal", "sigma:sqli-probe"}, c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeverityOrdinalComparison(t *testing.T) {
	c := models.Condition{Field: "severity", Operator: models.OpGreaterThan, Value: "medium"}
	gt := operators[models.OpGreaterThan]

	ok, err := gt(models.SeverityHigh, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gt(models.SeverityLow, c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseBlockDuration(t *testing.T) {
	d, err := ParseBlockDuration("900")
	require.NoError(t, err)
	assert.Equal(t, 900.0, d.Seconds())

	d, err = ParseBlockDuration("15m")
	require.NoError(t, err)
	assert.Equal(t, 900.0, d.Seconds())

	_, err = ParseBlockDuration("0")
	assert.Error(t, err)
}
