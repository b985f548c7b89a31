package models

import (
	"strings"
	"time"
)

// EventKind tags what an event describes.
type EventKind string

const (
	KindLoginFailure          EventKind = "login-failure"
	KindLoginSuccess          EventKind = "login-success"
	KindUnauthorizedAccess    EventKind = "unauthorized-access"
	KindPrivilegeEscalation   EventKind = "privilege-escalation"
	KindSQLInjection          EventKind = "sql-injection"
	KindXSSAttempt            EventKind = "xss-attempt"
	KindDataExfiltration      EventKind = "data-exfiltration"
	KindFraudAttempt          EventKind = "fraud-attempt"
	KindInventoryStatusChange EventKind = "inventory-status-change"
	KindInboundMessage        EventKind = "inbound-message"
	KindThreatPatternDetected EventKind = "threat-pattern-detected"
	KindAutoBlock             EventKind = "auto-block"
	KindChainTruncated        EventKind = "chain-truncated"
)

var knownKinds = map[EventKind]struct{}{
	KindLoginFailure:          {},
	KindLoginSuccess:          {},
	KindUnauthorizedAccess:    {},
	KindPrivilegeEscalation:   {},
	KindSQLInjection:          {},
	KindXSSAttempt:            {},
	KindDataExfiltration:      {},
	KindFraudAttempt:          {},
	KindInventoryStatusChange: {},
	KindInboundMessage:        {},
	KindThreatPatternDetected: {},
	KindAutoBlock:             {},
	KindChainTruncated:        {},
}

// Known reports whether k is one of the predefined kinds.
func (k EventKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Attributes carries the kind-specific facts of an event. Extra holds
// unstructured extension data only.
type Attributes struct {
	AdminFunction    bool              `json:"admin_function,omitempty" yaml:"admin_function,omitempty"`
	MultipleFailures bool              `json:"multiple_failures,omitempty" yaml:"multiple_failures,omitempty"`
	ExternalSource   bool              `json:"external_source,omitempty" yaml:"external_source,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	UserID           string            `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Path             string            `json:"path,omitempty" yaml:"path,omitempty"`
	Message          string            `json:"message,omitempty" yaml:"message,omitempty"`
	Channel          string            `json:"channel,omitempty" yaml:"channel,omitempty"`
	UnitID           string            `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
	Status           string            `json:"status,omitempty" yaml:"status,omitempty"`
	PreviousStatus   string            `json:"previous_status,omitempty" yaml:"previous_status,omitempty"`
	Amount           float64           `json:"amount,omitempty" yaml:"amount,omitempty"`
	Extra            map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// AttributeFields lists the addressable attribute names.
var AttributeFields = []string{
	"admin_function",
	"multiple_failures",
	"external_source",
	"ip_address",
	"user_id",
	"path",
	"message",
	"channel",
	"unit_id",
	"status",
	"previous_status",
	"amount",
}

// Lookup returns the value of a named attribute.
func (a Attributes) Lookup(name string) (interface{}, bool) {
	switch name {
	case "admin_function":
		return a.AdminFunction, true
	case "multiple_failures":
		return a.MultipleFailures, true
	case "external_source":
		return a.ExternalSource, true
	case "ip_address":
		return a.IPAddress, a.IPAddress != ""
	case "user_id":
		return a.UserID, a.UserID != ""
	case "path":
		return a.Path, a.Path != ""
	case "message":
		return a.Message, a.Message != ""
	case "channel":
		return a.Channel, a.Channel != ""
	case "unit_id":
		return a.UnitID, a.UnitID != ""
	case "status":
		return a.Status, a.Status != ""
	case "previous_status":
		return a.PreviousStatus, a.PreviousStatus != ""
	case "amount":
		return a.Amount, true
	}
	return nil, false
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := a
	if a.Extra != nil {
		out.Extra = make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Event is an immutable record of something observed. It is fully built
// by the pipeline before it is shared and never modified afterwards.
type Event struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"@timestamp"`
	Kind          EventKind  `json:"kind"`
	Severity      Severity   `json:"severity"`
	SubjectID     string     `json:"subject_id,omitempty"`
	Attributes    Attributes `json:"attributes"`
	Score         int        `json:"score"`
	Patterns      []string   `json:"patterns,omitempty"`
	Generation    int        `json:"generation"`
	SourceEventID string     `json:"source_event_id,omitempty"`
	RuleID        string     `json:"rule_id,omitempty"`
}

// Derived reports whether the event was synthesized by an action.
func (e *Event) Derived() bool {
	return e != nil && e.Generation > 0
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Attributes = e.Attributes.Clone()
	if e.Patterns != nil {
		out.Patterns = append([]string(nil), e.Patterns...)
	}
	return &out
}

// Lookup resolves a condition field against the event. Time-of-day is
// rendered as HH:MM in loc.
func (e *Event) Lookup(name string, loc *time.Location) (interface{}, bool) {
	if e == nil {
		return nil, false
	}
	switch name {
	case "kind":
		return string(e.Kind), true
	case "severity":
		return e.Severity, e.Severity != ""
	case "subject_id":
		return e.SubjectID, e.SubjectID != ""
	case "score":
		return float64(e.Score), true
	case "generation":
		return float64(e.Generation), true
	case "patterns":
		return e.Patterns, true
	case "time_of_day":
		if e.Timestamp.IsZero() {
			return nil, false
		}
		if loc == nil {
			loc = time.UTC
		}
		return e.Timestamp.In(loc).Format("15:04"), true
	}
	if attr, ok := strings.CutPrefix(name, "attributes."); ok {
		return e.Attributes.Lookup(attr)
	}
	if key, ok := strings.CutPrefix(name, "extra."); ok {
		v, ok := e.Attributes.Extra[key]
		return v, ok
	}
	return nil, false
}

var defaultSeverity = map[EventKind]Severity{
	KindLoginFailure:          SeverityMedium,
	KindLoginSuccess:          SeverityInfo,
	KindUnauthorizedAccess:    SeverityHigh,
	KindPrivilegeEscalation:   SeverityCritical,
	KindSQLInjection:          SeverityHigh,
	KindXSSAttempt:            SeverityMedium,
	KindDataExfiltration:      SeverityCritical,
	KindFraudAttempt:          SeverityHigh,
	KindInventoryStatusChange: SeverityInfo,
	KindInboundMessage:        SeverityInfo,
	KindThreatPatternDetected: SeverityHigh,
	KindAutoBlock:             SeverityHigh,
	KindChainTruncated:        SeverityLow,
}

// DefaultSeverity is used when a submission carries no severity.
func DefaultSeverity(kind EventKind) Severity {
	if s, ok := defaultSeverity[kind]; ok {
		return s
	}
	return SeverityLow
}
