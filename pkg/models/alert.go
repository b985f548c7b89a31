package models

import "time"

// Alert is raised by the emit-alert action.
type Alert struct {
	ID             string    `json:"alert_id"`
	SourceEventID  string    `json:"source_event_id"`
	RuleID         string    `json:"rule_id"`
	SubjectID      string    `json:"subject_id,omitempty"`
	Severity       Severity  `json:"severity"`
	Score          int       `json:"score"`
	Message        string    `json:"message"`
	RequiresAction bool      `json:"requires_action"`
	Timestamp      time.Time `json:"@timestamp"`
}

// NotifyCommand asks an external collaborator to reach a stakeholder
// class. Target is role:<x>, team:<x> or all:<x>.
type NotifyCommand struct {
	ID            string    `json:"id"`
	TargetRole    string    `json:"target_role"`
	Message       string    `json:"message"`
	Priority      Severity  `json:"priority"`
	SourceEventID string    `json:"source_event_id"`
	RuleID        string    `json:"rule_id"`
	Timestamp     time.Time `json:"@timestamp"`
}

// BlockDirective asks the enforcement layer to block a subject.
type BlockDirective struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id"`
	Duration      Duration  `json:"duration"`
	Reason        string    `json:"reason"`
	SourceEventID string    `json:"source_event_id"`
	RuleID        string    `json:"rule_id"`
	Timestamp     time.Time `json:"@timestamp"`
}

// EffectType tags an Effect.
type EffectType string

const (
	EffectAlert  EffectType = "alert"
	EffectEvent  EffectType = "event"
	EffectNotify EffectType = "notify"
	EffectBlock  EffectType = "block"
)

// Effect is one side-effect descriptor produced by dispatch. Exactly one
// payload field is set, matching Type.
type Effect struct {
	Type   EffectType      `json:"type"`
	Alert  *Alert          `json:"alert,omitempty"`
	Event  *Event          `json:"event,omitempty"`
	Notify *NotifyCommand  `json:"notify,omitempty"`
	Block  *BlockDirective `json:"block,omitempty"`
}

// KindCount is one row of the top-kinds report.
type KindCount struct {
	Kind  EventKind `json:"kind"`
	Count int       `json:"count"`
}

// MetricsReport aggregates the ephemeral store over a window.
type MetricsReport struct {
	Window           Duration         `json:"window"`
	TotalEvents      int              `json:"total_events"`
	EventsBySeverity map[Severity]int `json:"events_by_severity"`
	TopKinds         []KindCount      `json:"top_kinds"`
	AlertCount       int              `json:"alert_count"`
	AvgScore         float64          `json:"avg_score"`
}
