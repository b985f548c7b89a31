package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/models"
)

const sampleRules = `
version: 1
defaults:
  priority: 5
  window: 5m
rules:
  - id: brute-force
    name: Brute force login
    priority: 8
    conditions:
      - field: kind
        operator: equals
        value: login-failure
      - field: window_count
        operator: greater_or_equal
        value: 5
    actions:
      - type: emit-alert
      - type: auto-block
        params:
          duration: "900"
  - name: Night admin
    active: false
    conditions:
      - field: time_of_day
        operator: between
        value: ["23:00", "03:00"]
      - field: attributes.admin_function
        operator: equals
        value: true
    actions:
      - type: notify
        params:
          target: role:security
`

func TestParseRulesAppliesDefaults(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	bf := rules[0]
	assert.Equal(t, "brute-force", bf.ID)
	assert.Equal(t, 8, bf.Priority)
	assert.True(t, bf.Active)
	assert.Equal(t, models.Duration(5*time.Minute), bf.Conditions[1].Window)
	assert.Equal(t, "900", bf.Actions[1].Param("duration", ""))

	night := rules[1]
	assert.Equal(t, "rule-2", night.ID)
	assert.Equal(t, "Night admin", night.Name)
	assert.Equal(t, 5, night.Priority)
	assert.False(t, night.Active)
}

func TestParseRulesRejectsUnknownKeys(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - id: x\n    conditons: []\n"))
	require.Error(t, err)
}

func TestParseRulesRejectsInvalidRule(t *testing.T) {
	doc := `
rules:
  - id: bad
    name: bad
    conditions:
      - field: attributes.nope
        operator: equals
        value: 1
`
	_, err := ParseRules([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "conditions[0].field", verr.Field)
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadRuleFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	rules, err := ParseRules(nil)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
