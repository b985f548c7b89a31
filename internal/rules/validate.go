package rules

import (
	"fmt"
	"strings"

	"sentinel/pkg/models"
)

var builtinFields = map[string]struct{}{
	"kind":                  {},
	"severity":              {},
	"subject_id":            {},
	"score":                 {},
	"generation":            {},
	"patterns":              {},
	"time_of_day":           {},
	models.FieldWindowCount: {},
}

var knownOperators = map[models.Operator]struct{}{
	models.OpContains:       {},
	models.OpNotContains:    {},
	models.OpEquals:         {},
	models.OpGreaterThan:    {},
	models.OpLessThan:       {},
	models.OpGreaterOrEqual: {},
	models.OpLessOrEqual:    {},
	models.OpBetween:        {},
	models.OpMatches:        {},
}

var notifyTargetPrefixes = []string{"role:", "team:", "all:"}

// KnownField reports whether a condition may address field.
func KnownField(field string) bool {
	if _, ok := builtinFields[field]; ok {
		return true
	}
	if attr, ok := strings.CutPrefix(field, "attributes."); ok {
		return isAttributeName(attr)
	}
	if key, ok := strings.CutPrefix(field, "extra."); ok {
		return strings.TrimSpace(key) != ""
	}
	return false
}

func isAttributeName(name string) bool {
	for _, f := range models.AttributeFields {
		if f == name {
			return true
		}
	}
	return false
}

// Validate checks a rule before it is admitted to the registry.
func Validate(rule models.Rule) error {
	invalid := func(field, format string, args ...interface{}) error {
		return &ValidationError{RuleID: rule.ID, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(rule.ID) == "" {
		return invalid("id", "rule ID is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return invalid("name", "rule name is required")
	}
	if len(rule.Conditions) == 0 {
		return invalid("conditions", "at least one condition is required")
	}

	for i, c := range rule.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if !KnownField(c.Field) {
			return invalid(field+".field", "unknown field %q", c.Field)
		}
		if _, ok := knownOperators[c.Operator]; !ok {
			return invalid(field+".operator", "unknown operator %q", c.Operator)
		}
		if err := validateValue(c); err != nil {
			return invalid(field+".value", "%v", err)
		}
		if c.Windowed() {
			if c.Window <= 0 {
				return invalid(field+".window", "window must be positive")
			}
			switch c.Operator {
			case models.OpContains, models.OpNotContains, models.OpMatches:
				return invalid(field+".operator", "operator %q cannot apply to window_count", c.Operator)
			}
		} else if c.Window != 0 {
			return invalid(field+".window", "window is only valid on window_count")
		}
	}

	for i, a := range rule.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		switch a.Type {
		case models.ActionEmitAlert, models.ActionLogEvent:
		case models.ActionNotify:
			target := a.Param("target", "")
			if !validNotifyTarget(target) {
				return invalid(field+".params.target", "notify target must be role:<x>, team:<x> or all:<x>, got %q", target)
			}
		case models.ActionAutoBlock:
			if d := a.Param("duration", ""); d != "" {
				if _, err := ParseBlockDuration(d); err != nil {
					return invalid(field+".params.duration", "%v", err)
				}
			}
		default:
			return invalid(field+".type", "unknown action type %q", a.Type)
		}
		if sev := a.Param("severity", ""); sev != "" {
			if _, err := models.ParseSeverity(sev); err != nil {
				return invalid(field+".params.severity", "%v", err)
			}
		}
	}

	return nil
}

func validateValue(c models.Condition) error {
	switch c.Operator {
	case models.OpBetween:
		bounds, ok := toStringList(c.Value)
		if !ok || len(bounds) != 2 {
			return fmt.Errorf("between needs exactly two bounds")
		}
		if c.Field == "time_of_day" {
			for _, b := range bounds {
				if _, err := parseClock(b); err != nil {
					return err
				}
			}
			return nil
		}
		for _, b := range bounds {
			if _, err := ordinalOrNumber(c.Field, b); err != nil {
				return err
			}
		}
	case models.OpGreaterThan, models.OpLessThan, models.OpGreaterOrEqual, models.OpLessOrEqual:
		if c.Field == "time_of_day" {
			s, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("time_of_day comparisons need an HH:MM value")
			}
			_, err := parseClock(s)
			return err
		}
		if _, err := ordinalOrNumber(c.Field, c.Value); err != nil {
			return err
		}
	case models.OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("regex pattern must be a string")
		}
		if _, err := defaultRegexCache.compile(pattern); err != nil {
			return err
		}
	case models.OpEquals:
		if c.Value == nil {
			return fmt.Errorf("equals needs a value")
		}
		if c.Windowed() {
			if _, ok := toFloat64(c.Value); !ok {
				return fmt.Errorf("window_count compares against a number")
			}
		}
	case models.OpContains, models.OpNotContains:
		if _, ok := toStringList(c.Value); !ok {
			return fmt.Errorf("%s needs a string or list of strings", c.Operator)
		}
	}
	return nil
}

func validNotifyTarget(target string) bool {
	for _, prefix := range notifyTargetPrefixes {
		if rest, ok := strings.CutPrefix(target, prefix); ok && strings.TrimSpace(rest) != "" {
			return true
		}
	}
	return false
}
