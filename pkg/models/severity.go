package models

import (
	"fmt"
	"strings"
)

// Severity is the closed severity scale shared by events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity label. WARNING and EMERGENCY are
// accepted as aliases for medium and critical.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "info", "informational":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium", "warning", "warn":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical", "emergency":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// Ordinal maps a severity onto 0..4 for numeric comparisons. Unknown
// values compare as -1.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Ordinal() >= 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Ordinal() >= other.Ordinal()
}
