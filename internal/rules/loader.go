package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"sentinel/pkg/models"
)

// RuleFile is the on-disk rule set format.
type RuleFile struct {
	Version  int          `yaml:"version"`
	Defaults RuleDefaults `yaml:"defaults"`
	Rules    []RuleEntry  `yaml:"rules"`
}

// RuleDefaults are fallback options for rules.
type RuleDefaults struct {
	Priority int             `yaml:"priority"`
	Active   *bool           `yaml:"active"`
	Window   models.Duration `yaml:"window"`
}

// RuleEntry is one rule as written in YAML. Omitted active falls back to
// the file defaults, then to true.
type RuleEntry struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Priority    *int               `yaml:"priority"`
	Active      *bool              `yaml:"active"`
	Conditions  []models.Condition `yaml:"conditions"`
	Actions     []models.Action    `yaml:"actions"`
}

// LoadRuleFile reads and validates a rule set from a YAML file.
func LoadRuleFile(path string) ([]models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes a rule set document and applies its defaults.
func ParseRules(data []byte) ([]models.Rule, error) {
	var rf RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	active := true
	if rf.Defaults.Active != nil {
		active = *rf.Defaults.Active
	}

	out := make([]models.Rule, 0, len(rf.Rules))
	for i, entry := range rf.Rules {
		rule := models.Rule{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Priority:    rf.Defaults.Priority,
			Active:      active,
			Conditions:  entry.Conditions,
			Actions:     entry.Actions,
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if rule.Name == "" {
			rule.Name = rule.ID
		}
		if entry.Priority != nil {
			rule.Priority = *entry.Priority
		}
		if entry.Active != nil {
			rule.Active = *entry.Active
		}
		for j := range rule.Conditions {
			c := &rule.Conditions[j]
			if c.Windowed() && c.Window == 0 {
				c.Window = rf.Defaults.Window
			}
		}
		if err := Validate(rule); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}
