package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/store"
	"sentinel/pkg/models"
)

type chanSource struct {
	ch     chan []byte
	closed bool
}

func (s *chanSource) Pop(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *chanSource) Backlog(context.Context) (int64, error) {
	return int64(len(s.ch)), nil
}

func (s *chanSource) Close() error {
	s.closed = true
	return nil
}

func TestIngestPipelineSubmitsParsedEvents(t *testing.T) {
	st := store.NewMemoryStore()
	m := newMonitor(t, st, Config{}, Deps{})
	src := &chanSource{ch: make(chan []byte, 4)}
	src.ch <- []byte(`{"kind":"login-failure","attributes":{"ipAddress":"1.2.3.4"}}`)
	src.ch <- []byte(`garbage`)
	src.ch <- []byte(`{"type":"xss_attempt","subjectId":"u1"}`)

	p := NewIngestPipeline(src, m, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return st.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	require.NoError(t, p.Close())
	assert.True(t, src.closed)
}

func bruteForceRule() models.Rule {
	return models.Rule{
		ID: "brute-force", Name: "brute-force", Active: true, Priority: 9,
		Conditions: []models.Condition{
			{Field: "kind", Operator: models.OpEquals, Value: string(models.KindLoginFailure)},
			{Field: models.FieldWindowCount, Operator: models.OpGreaterOrEqual, Value: 5, Window: models.Duration(5 * time.Minute)},
		},
		Actions: []models.Action{{Type: models.ActionEmitAlert}},
	}
}

func TestIngestPipelineKeepsSubjectOrderAcrossWorkers(t *testing.T) {
	for round := 0; round < 25; round++ {
		st := store.NewMemoryStore()
		m := newMonitor(t, st, Config{}, Deps{}, bruteForceRule())
		src := &chanSource{ch: make(chan []byte, 16)}
		for i := 0; i < 5; i++ {
			ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
			src.ch <- []byte(fmt.Sprintf(`{"kind":"login-failure","subject_id":"1.2.3.4","timestamp":%q}`, ts))
			src.ch <- []byte(fmt.Sprintf(`{"kind":"login-success","subject_id":"user-%d","timestamp":%q}`, i, ts))
		}

		p := NewIngestPipeline(src, m, 8)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.Run(ctx) }()

		require.Eventually(t, func() bool { return st.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		<-done

		alerts, err := st.Alerts(context.Background(), time.Time{})
		require.NoError(t, err)
		require.Len(t, alerts, 1, "round %d", round)
		assert.Equal(t, "brute-force", alerts[0].RuleID)
	}
}

func TestWorkerForIsStablePerSubject(t *testing.T) {
	for _, subject := range []string{"", "1.2.3.4", "user-42"} {
		w := workerFor(subject, 8)
		assert.True(t, w >= 0 && w < 8)
		assert.Equal(t, w, workerFor(subject, 8))
	}
	assert.Equal(t, 0, workerFor("anything", 1))
}
