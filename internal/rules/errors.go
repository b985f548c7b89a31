package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound is returned by registry operations on unknown IDs.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleExists is returned when creating a rule whose ID is taken.
	ErrRuleExists = errors.New("rule already exists")
)

// ValidationError rejects an administrative rule edit.
type ValidationError struct {
	RuleID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %s: %s: %s", e.RuleID, e.Field, e.Message)
	}
	return e.Field + ": " + e.Message
}

// MalformedRuleError reports a condition that cannot be evaluated
// against an event. The rule is skipped; evaluation continues.
type MalformedRuleError struct {
	RuleID   string
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *MalformedRuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed rule %s: field '%s' operator '%s': %s: %v",
			e.RuleID, e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("malformed rule %s: field '%s' operator '%s': %s",
		e.RuleID, e.Field, e.Operator, e.Message)
}

func (e *MalformedRuleError) Unwrap() error {
	return e.Err
}
