// Package dispatch turns rule matches into side-effect descriptors:
// alerts, derived events, notification commands and block directives.
// Delivery is left to the pipeline's sinks.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/logger"
	"sentinel/internal/rules"
	"sentinel/internal/scoring"
	"sentinel/pkg/models"
)

const (
	DefaultBlockDuration = 15 * time.Minute
	DefaultDerivedKind   = models.KindThreatPatternDetected
)

// effectNamespace seeds name-based effect IDs.
var effectNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("sentinel.effects"))

// ActionError reports one action that could not be dispatched. Other
// actions of the same match still run.
type ActionError struct {
	RuleID string
	Index  int
	Type   models.ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %s action %d (%s): %v", e.RuleID, e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

var ErrUnknownAction = errors.New("unknown action type")

// Config holds dispatcher defaults.
type Config struct {
	BlockDuration time.Duration
	DerivedKind   models.EventKind
}

// Dispatcher is stateless; Dispatch is safe for concurrent use.
type Dispatcher struct {
	blockDuration time.Duration
	derivedKind   models.EventKind
}

// New creates a dispatcher, filling unset defaults.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{blockDuration: cfg.BlockDuration, derivedKind: cfg.DerivedKind}
	if d.blockDuration <= 0 {
		d.blockDuration = DefaultBlockDuration
	}
	if d.derivedKind == "" {
		d.derivedKind = DefaultDerivedKind
	}
	return d
}

// Dispatch executes the match's actions in order. Output depends only
// on the match: IDs are derived from (event, rule, action index) and
// timestamps come from the event.
func (d *Dispatcher) Dispatch(match models.TriggeredMatch) ([]models.Effect, error) {
	if match.Event == nil {
		return nil, fmt.Errorf("dispatch rule %s: match has no event", match.Rule.ID)
	}

	var effects []models.Effect
	var errs []error
	for i, action := range match.ActionsToRun {
		effect, ok, err := d.dispatchAction(match, i, action)
		if err != nil {
			errs = append(errs, &ActionError{RuleID: match.Rule.ID, Index: i, Type: action.Type, Err: err})
			continue
		}
		if ok {
			effects = append(effects, effect)
		}
	}
	return effects, errors.Join(errs...)
}

func (d *Dispatcher) dispatchAction(match models.TriggeredMatch, idx int, action models.Action) (models.Effect, bool, error) {
	ev := match.Event
	id := effectID(ev.ID, match.Rule.ID, idx)

	switch action.Type {
	case models.ActionEmitAlert:
		severity, err := alertSeverity(match.Rule, action, ev.Score)
		if err != nil {
			return models.Effect{}, false, err
		}
		return models.Effect{
			Type: models.EffectAlert,
			Alert: &models.Alert{
				ID:             id,
				SourceEventID:  ev.ID,
				RuleID:         match.Rule.ID,
				SubjectID:      ev.SubjectID,
				Severity:       severity,
				Score:          ev.Score,
				Message:        renderMessage(action, match),
				RequiresAction: severity.AtLeast(models.SeverityHigh),
				Timestamp:      ev.Timestamp,
			},
		}, true, nil

	case models.ActionLogEvent:
		kind := models.EventKind(action.Param("kind", string(d.derivedKind)))
		severity := ev.Severity
		if s := action.Param("severity", ""); s != "" {
			parsed, err := models.ParseSeverity(s)
			if err != nil {
				return models.Effect{}, false, err
			}
			severity = parsed
		}
		attrs := ev.Attributes.Clone()
		if msg := action.Param("message", ""); msg != "" {
			attrs.Message = renderMessage(action, match)
		}
		return models.Effect{
			Type: models.EffectEvent,
			Event: &models.Event{
				ID:            id,
				Timestamp:     ev.Timestamp,
				Kind:          kind,
				Severity:      severity,
				SubjectID:     ev.SubjectID,
				Attributes:    attrs,
				Generation:    ev.Generation + 1,
				SourceEventID: ev.ID,
				RuleID:        match.Rule.ID,
			},
		}, true, nil

	case models.ActionNotify:
		target := action.Param("target", "")
		if target == "" {
			return models.Effect{}, false, fmt.Errorf("notify needs a target")
		}
		priority, err := alertSeverity(match.Rule, action, ev.Score)
		if err != nil {
			return models.Effect{}, false, err
		}
		if p := action.Param("priority", ""); p != "" {
			if priority, err = models.ParseSeverity(p); err != nil {
				return models.Effect{}, false, err
			}
		}
		return models.Effect{
			Type: models.EffectNotify,
			Notify: &models.NotifyCommand{
				ID:            id,
				TargetRole:    target,
				Message:       renderMessage(action, match),
				Priority:      priority,
				SourceEventID: ev.ID,
				RuleID:        match.Rule.ID,
				Timestamp:     ev.Timestamp,
			},
		}, true, nil

	case models.ActionAutoBlock:
		if ev.SubjectID == "" {
			logger.With(logger.Fields{"rule": match.Rule.ID, "event": ev.ID}).Warnf("auto-block skipped: event has no subject")
			return models.Effect{}, false, nil
		}
		duration := d.blockDuration
		if raw := action.Param("duration", ""); raw != "" {
			parsed, err := rules.ParseBlockDuration(raw)
			if err != nil {
				return models.Effect{}, false, err
			}
			duration = parsed
		}
		return models.Effect{
			Type: models.EffectBlock,
			Block: &models.BlockDirective{
				ID:            id,
				SubjectID:     ev.SubjectID,
				Duration:      models.Duration(duration),
				Reason:        action.Param("reason", renderMessage(action, match)),
				SourceEventID: ev.ID,
				RuleID:        match.Rule.ID,
				Timestamp:     ev.Timestamp,
			},
		}, true, nil
	}

	return models.Effect{}, false, fmt.Errorf("%w %q", ErrUnknownAction, action.Type)
}

// alertSeverity grades an alert. Escalation rules are at least high;
// others follow the score unless the action pins a severity.
func alertSeverity(rule models.Rule, action models.Action, score int) (models.Severity, error) {
	if escalate, _ := strconv.ParseBool(action.Param("escalate", "false")); escalate {
		if score >= 9 {
			return models.SeverityCritical, nil
		}
		return models.SeverityHigh, nil
	}
	if s := action.Param("severity", ""); s != "" {
		return models.ParseSeverity(s)
	}
	return scoring.SeverityForScore(score), nil
}

func renderMessage(action models.Action, match models.TriggeredMatch) string {
	ev := match.Event
	subject := ev.SubjectID
	if subject == "" {
		subject = "unknown"
	}
	tmpl := action.Param("message", "")
	if tmpl == "" {
		return fmt.Sprintf("%s: %s from %s (score %d)", match.Rule.Name, ev.Kind, subject, ev.Score)
	}
	r := strings.NewReplacer(
		"{subject}", subject,
		"{kind}", string(ev.Kind),
		"{rule}", match.Rule.Name,
		"{rule_id}", match.Rule.ID,
		"{score}", strconv.Itoa(ev.Score),
		"{severity}", string(ev.Severity),
	)
	return r.Replace(tmpl)
}

func effectID(eventID, ruleID string, idx int) string {
	return uuid.NewSHA1(effectNamespace, []byte(eventID+"|"+ruleID+"|"+strconv.Itoa(idx))).String()
}
