package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sentinel/pkg/models"
)

func TestScoreBaseAndModifiers(t *testing.T) {
	s := NewScorer(DefaultConfig())

	ev := &models.Event{Kind: models.KindLoginFailure, Severity: models.SeverityMedium}
	assert.Equal(t, 5, s.Score(ev, nil))

	ev.Attributes.AdminFunction = true
	assert.Equal(t, 7, s.Score(ev, nil))

	ev.Attributes.MultipleFailures = true
	assert.Equal(t, 8, s.Score(ev, nil))
}

func TestScoreUnknownKindContributesNothing(t *testing.T) {
	s := NewScorer(DefaultConfig())
	ev := &models.Event{Kind: "listing-viewed", Severity: models.SeverityLow}
	assert.Equal(t, 2, s.Score(ev, nil))
}

func TestScoreIsClamped(t *testing.T) {
	s := NewScorer(Config{
		SeverityBase:  map[models.Severity]int{models.SeverityCritical: 10, models.SeverityInfo: -7},
		KindModifiers: map[models.EventKind]int{models.KindSQLInjection: 50, models.KindLoginSuccess: -20},
	})

	cases := []*models.Event{
		{Kind: models.KindSQLInjection, Severity: models.SeverityCritical, Patterns: []string{"a", "b", "c", "d", "e"},
			Attributes: models.Attributes{AdminFunction: true, MultipleFailures: true, ExternalSource: true}},
		{Kind: models.KindLoginSuccess, Severity: models.SeverityInfo},
		{Kind: "", Severity: ""},
		{},
	}
	for _, ev := range cases {
		got := s.Score(ev, nil)
		assert.GreaterOrEqual(t, got, MinScore)
		assert.LessOrEqual(t, got, MaxScore)
	}
	assert.Equal(t, MaxScore, s.Score(cases[0], nil))
	assert.Equal(t, MinScore, s.Score(cases[1], nil))
	assert.Equal(t, MinScore, s.Score(nil, nil))
}

func TestScorePatternBonusIsCapped(t *testing.T) {
	s := NewScorer(DefaultConfig())
	ev := &models.Event{Kind: models.KindInboundMessage, Severity: models.SeverityLow, Patterns: []string{"p1", "p2", "p3", "p4", "p5"}}
	assert.Equal(t, 5, s.Score(ev, nil))
}

func TestScoreRepeatOffender(t *testing.T) {
	s := NewScorer(DefaultConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	history := []*models.Event{
		{SubjectID: "1.2.3.4", Timestamp: base},
		{SubjectID: "1.2.3.4", Timestamp: base.Add(time.Second)},
		{SubjectID: "5.6.7.8", Timestamp: base.Add(2 * time.Second)},
	}
	ev := &models.Event{Kind: models.KindLoginFailure, Severity: models.SeverityLow, SubjectID: "1.2.3.4"}
	assert.Equal(t, 3, s.Score(ev, history))

	history = append(history, &models.Event{SubjectID: "1.2.3.4"})
	assert.Equal(t, 4, s.Score(ev, history))
}

func TestScoreIsDeterministic(t *testing.T) {
	s := NewScorer(DefaultConfig())
	ev := &models.Event{Kind: models.KindXSSAttempt, Severity: models.SeverityHigh, Attributes: models.Attributes{ExternalSource: true}}
	first := s.Score(ev, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, s.Score(ev, nil))
	}
}

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, SeverityForScore(9))
	assert.Equal(t, models.SeverityHigh, SeverityForScore(7))
	assert.Equal(t, models.SeverityMedium, SeverityForScore(4))
	assert.Equal(t, models.SeverityLow, SeverityForScore(0))
}
