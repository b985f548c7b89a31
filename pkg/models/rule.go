package models

// Operator names a condition predicate.
type Operator string

const (
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpEquals         Operator = "equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpBetween        Operator = "between"
	OpMatches        Operator = "matches"
)

// Numeric reports whether the operator compares numbers (or ordinals).
func (o Operator) Numeric() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

// ActionType names a dispatcher action.
type ActionType string

const (
	ActionEmitAlert ActionType = "emit-alert"
	ActionLogEvent  ActionType = "log-event"
	ActionNotify    ActionType = "notify"
	ActionAutoBlock ActionType = "auto-block"
)

// FieldWindowCount is the pseudo-field of windowed conditions.
const FieldWindowCount = "window_count"

// Condition is one (field, operator, value) predicate of a rule.
type Condition struct {
	Field         string      `json:"field" yaml:"field"`
	Operator      Operator    `json:"operator" yaml:"operator"`
	Value         interface{} `json:"value" yaml:"value"`
	CaseSensitive bool        `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	Window        Duration    `json:"window,omitempty" yaml:"window,omitempty"`
	WindowKind    EventKind   `json:"window_kind,omitempty" yaml:"window_kind,omitempty"`
}

// Windowed reports whether the condition counts history from the store.
func (c Condition) Windowed() bool {
	return c.Field == FieldWindowCount
}

// Action is executed in order when its rule matches.
type Action struct {
	Type   ActionType        `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns a parameter or fallback when unset.
func (a Action) Param(key, fallback string) string {
	if v, ok := a.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Rule is a declarative condition set plus the actions to run on match.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int         `json:"priority" yaml:"priority"`
	Active      bool        `json:"active" yaml:"active"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
}

// Clone returns a deep copy so callers can hold a rule across edits.
func (r Rule) Clone() Rule {
	out := r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Actions = cloneActions(r.Actions)
	return out
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = Action{Type: a.Type}
		if a.Params != nil {
			out[i].Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				out[i].Params[k] = v
			}
		}
	}
	return out
}

// TriggeredMatch is the result of one rule matching one event.
type TriggeredMatch struct {
	Event        *Event   `json:"event"`
	Rule         Rule     `json:"rule"`
	ActionsToRun []Action `json:"actions_to_run"`
}

// NewTriggeredMatch snapshots the rule's actions at match time.
func NewTriggeredMatch(event *Event, rule Rule) TriggeredMatch {
	return TriggeredMatch{
		Event:        event,
		Rule:         rule.Clone(),
		ActionsToRun: cloneActions(rule.Actions),
	}
}
