package scoring

import (
	"sentinel/pkg/models"
)

const (
	MinScore = 0
	MaxScore = 10
)

// Config holds the scoring tables. Zero-valued tables fall back to the
// defaults below; RepeatThreshold <= 0 disables the repeat modifier.
type Config struct {
	SeverityBase       map[models.Severity]int
	KindModifiers      map[models.EventKind]int
	AttributeModifiers map[string]int
	PatternWeight      int
	PatternCap         int
	RepeatThreshold    int
	RepeatModifier     int
}

// DefaultConfig returns the stock tables.
func DefaultConfig() Config {
	return Config{
		SeverityBase: map[models.Severity]int{
			models.SeverityInfo:     0,
			models.SeverityLow:      2,
			models.SeverityMedium:   4,
			models.SeverityHigh:     7,
			models.SeverityCritical: 10,
		},
		KindModifiers: map[models.EventKind]int{
			models.KindLoginFailure:          1,
			models.KindUnauthorizedAccess:    2,
			models.KindPrivilegeEscalation:   3,
			models.KindSQLInjection:          3,
			models.KindXSSAttempt:            2,
			models.KindDataExfiltration:      3,
			models.KindFraudAttempt:          2,
			models.KindThreatPatternDetected: 1,
		},
		AttributeModifiers: map[string]int{
			"admin_function":    2,
			"multiple_failures": 1,
			"external_source":   1,
		},
		PatternWeight:   1,
		PatternCap:      3,
		RepeatThreshold: 3,
		RepeatModifier:  1,
	}
}

// Scorer maps an event and its subject history onto [0, 10]. It is pure:
// the tables are copied at construction and never change.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer, filling unset tables from DefaultConfig.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.SeverityBase == nil {
		cfg.SeverityBase = def.SeverityBase
	}
	if cfg.KindModifiers == nil {
		cfg.KindModifiers = def.KindModifiers
	}
	if cfg.AttributeModifiers == nil {
		cfg.AttributeModifiers = def.AttributeModifiers
	}
	if cfg.PatternCap < 0 {
		cfg.PatternCap = 0
	}
	return &Scorer{cfg: copyConfig(cfg)}
}

// Score computes the clamped score of event given prior events from the
// same subject.
func (s *Scorer) Score(event *models.Event, recentHistory []*models.Event) int {
	if event == nil {
		return MinScore
	}

	score := s.cfg.SeverityBase[event.Severity]
	score += s.cfg.KindModifiers[event.Kind]
	score += s.attributeModifier(event.Attributes)

	if n := len(event.Patterns); n > 0 && s.cfg.PatternWeight != 0 {
		bonus := n * s.cfg.PatternWeight
		if s.cfg.PatternCap > 0 && bonus > s.cfg.PatternCap {
			bonus = s.cfg.PatternCap
		}
		score += bonus
	}

	if s.cfg.RepeatThreshold > 0 && countSubject(recentHistory, event.SubjectID) >= s.cfg.RepeatThreshold {
		score += s.cfg.RepeatModifier
	}

	return Clamp(score)
}

func (s *Scorer) attributeModifier(attrs models.Attributes) int {
	total := 0
	for _, name := range models.AttributeFields {
		mod, ok := s.cfg.AttributeModifiers[name]
		if !ok {
			continue
		}
		v, present := attrs.Lookup(name)
		if !present {
			continue
		}
		switch val := v.(type) {
		case bool:
			if val {
				total += mod
			}
		case string:
			if val != "" {
				total += mod
			}
		case float64:
			if val != 0 {
				total += mod
			}
		}
	}
	return total
}

// Clamp bounds a raw score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// SeverityForScore buckets a score back onto the severity scale.
func SeverityForScore(score int) models.Severity {
	switch {
	case score >= 9:
		return models.SeverityCritical
	case score >= 7:
		return models.SeverityHigh
	case score >= 4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func countSubject(history []*models.Event, subject string) int {
	if subject == "" {
		return 0
	}
	n := 0
	for _, ev := range history {
		if ev != nil && ev.SubjectID == subject {
			n++
		}
	}
	return n
}

func copyConfig(cfg Config) Config {
	out := cfg
	out.SeverityBase = make(map[models.Severity]int, len(cfg.SeverityBase))
	for k, v := range cfg.SeverityBase {
		out.SeverityBase[k] = v
	}
	out.KindModifiers = make(map[models.EventKind]int, len(cfg.KindModifiers))
	for k, v := range cfg.KindModifiers {
		out.KindModifiers[k] = v
	}
	out.AttributeModifiers = make(map[string]int, len(cfg.AttributeModifiers))
	for k, v := range cfg.AttributeModifiers {
		out.AttributeModifiers[k] = v
	}
	return out
}
