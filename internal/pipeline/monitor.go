package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"sentinel/internal/dispatch"
	"sentinel/internal/logger"
	"sentinel/internal/metrics"
	"sentinel/internal/patterns"
	"sentinel/internal/rules"
	"sentinel/internal/scoring"
	"sentinel/internal/store"
	"sentinel/pkg/models"
)

// ErrChainLimit marks a derived event that was not re-evaluated because
// its generation exceeds the configured chain depth.
var ErrChainLimit = errors.New("derived event chain limit reached")

// Config tunes the monitor.
type Config struct {
	MaxChainDepth     int
	LockStripes       int
	HistoryWindow     time.Duration
	Retention         time.Duration
	EvictInterval     time.Duration
	SinkQueueSize     int
	SinkBatchSize     int
	SinkFlushInterval time.Duration
	SinkRetries       int
	Location          *time.Location
}

func (c *Config) applyDefaults() {
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = 1
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 64
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = time.Minute
	}
	if c.SinkQueueSize <= 0 {
		c.SinkQueueSize = 1024
	}
	if c.SinkBatchSize <= 0 {
		c.SinkBatchSize = 100
	}
	if c.SinkFlushInterval <= 0 {
		c.SinkFlushInterval = time.Second
	}
	if c.SinkRetries <= 0 {
		c.SinkRetries = 5
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Deps are the collaborators of a Monitor. Store and Registry are
// required; the rest default to working no-op or stock values.
type Deps struct {
	Store      store.Store
	Registry   *rules.Registry
	Scorer     *scoring.Scorer
	Dispatcher *dispatch.Dispatcher
	Tagger     patterns.Tagger
	Metrics    *metrics.Metrics
	Alerts     AlertWriter
	Events     EventWriter
	Notifier   Notifier
	Now        func() time.Time
}

// Result is the outcome of processing one event, including the derived
// events it spawned.
type Result struct {
	Event   *models.Event
	Matches []models.TriggeredMatch
	Effects []models.Effect
	Derived []Result
}

// Monitor scores, stores and evaluates events and hands the resulting
// effects to the outbound sinks.
type Monitor struct {
	cfg        Config
	store      store.Store
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	scorer     *scoring.Scorer
	dispatcher *dispatch.Dispatcher
	tagger     patterns.Tagger
	metrics    *metrics.Metrics
	now        func() time.Time

	locks     *stripedLocks
	truncated *lru.Cache[string, struct{}]
	sink      *sink

	runMu    sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sinkDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New wires a monitor.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("monitor: store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("monitor: rule registry is required")
	}
	cfg.applyDefaults()

	if deps.Scorer == nil {
		deps.Scorer = scoring.NewScorer(scoring.DefaultConfig())
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(dispatch.Config{})
	}
	if deps.Tagger == nil {
		deps.Tagger = patterns.NoopTagger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	truncated, err := lru.New[string, struct{}](1024)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		scorer:     deps.Scorer,
		dispatcher: deps.Dispatcher,
		tagger:     deps.Tagger,
		metrics:    deps.Metrics,
		now:        deps.Now,
		locks:      newStripedLocks(cfg.LockStripes),
		truncated:  truncated,
	}
	m.evaluator = rules.NewEvaluator(deps.Store, rules.WithLocation(cfg.Location), rules.WithMetrics(deps.Metrics))
	m.sink = newSink(sinkConfig{
		queueSize:     cfg.SinkQueueSize,
		batchSize:     cfg.SinkBatchSize,
		flushInterval: cfg.SinkFlushInterval,
		retries:       cfg.SinkRetries,
	}, deps.Alerts, deps.Events, deps.Notifier, deps.Metrics)
	return m, nil
}

// Evaluator exposes rule trigger statistics.
func (m *Monitor) Evaluator() *rules.Evaluator {
	return m.evaluator
}

// Start launches the sink worker and the eviction loop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.sinkDone = make(chan struct{})
	go func(done chan<- struct{}) {
		defer close(done)
		m.sink.run(ctx)
	}(m.sinkDone)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.evictLoop(ctx)
	}()
	logger.Infof("Monitor started: chain depth %d, retention %s", m.cfg.MaxChainDepth, m.cfg.Retention)
}

// Close drains queued effects, stops background work and closes sinks.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.sink.stop()
		m.runMu.Lock()
		if m.cancel != nil {
			<-m.sinkDone
			m.cancel()
			m.wg.Wait()
		}
		m.runMu.Unlock()
		m.closeErr = m.sink.close()
	})
	return m.closeErr
}

// Submit ingests an event with fire-and-forget semantics. It never
// fails; problems are logged and counted. The new event ID is returned
// for correlation.
func (m *Monitor) Submit(kind models.EventKind, attrs models.Attributes, subject string) string {
	return m.SubmitEvent(context.Background(), &models.Event{Kind: kind, Attributes: attrs, SubjectID: subject})
}

// SubmitEvent is Submit for a partially built event, letting callers set
// severity or timestamp.
func (m *Monitor) SubmitEvent(ctx context.Context, ev *models.Event) (id string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Event processing panicked: %v", r)
		}
	}()
	if ev == nil {
		return ""
	}
	res := m.Process(ctx, ev)
	return res.Event.ID
}

// Process runs one event through the pipeline synchronously.
func (m *Monitor) Process(ctx context.Context, input *models.Event) Result {
	ev := m.prepare(input)
	return m.process(ctx, ev)
}

func (m *Monitor) prepare(input *models.Event) *models.Event {
	ev := input.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Kind == "" {
		ev.Kind = models.EventKind("unknown")
	}
	if ev.Severity == "" || !ev.Severity.Valid() {
		if parsed, err := models.ParseSeverity(string(ev.Severity)); err == nil {
			ev.Severity = parsed
		} else {
			ev.Severity = models.DefaultSeverity(ev.Kind)
		}
	}
	if !ev.Kind.Known() {
		logger.Debugf("Unknown event kind %q accepted", ev.Kind)
	}
	return ev
}

func (m *Monitor) process(ctx context.Context, ev *models.Event) Result {
	started := time.Now()
	snap, matches := m.record(ctx, ev)

	m.metrics.ObserveEvent(string(ev.Kind), ev.Derived())
	m.metrics.SetActiveRules(activeRules(snap))
	m.sink.enqueue(models.Effect{Type: models.EffectEvent, Event: ev})

	res := Result{Event: ev, Matches: matches}
	var derived []*models.Event
	for _, match := range matches {
		effects, err := m.dispatcher.Dispatch(match)
		if err != nil {
			logger.With(logger.Fields{"rule": match.Rule.ID, "event": ev.ID}).Warnf("Dispatch error: %v", err)
		}
		for _, effect := range effects {
			res.Effects = append(res.Effects, effect)
			m.metrics.ObserveEffect(string(effect.Type))
			switch effect.Type {
			case models.EffectEvent:
				derived = append(derived, effect.Event)
				continue
			case models.EffectAlert:
				if err := m.store.AppendAlert(ctx, effect.Alert); err != nil {
					logger.Warnf("Failed to store alert %s: %v", effect.Alert.ID, err)
					m.metrics.ObserveStoreError("append_alert")
				}
			}
			m.sink.enqueue(effect)
		}
	}
	m.metrics.ObserveProcess(time.Since(started).Seconds())

	for _, d := range derived {
		if err := m.checkChain(d); err != nil {
			continue
		}
		res.Derived = append(res.Derived, m.process(ctx, d.Clone()))
	}
	return res
}

// record runs the subject-serialized part of processing: tag, score,
// evaluate against one snapshot, then append. The stripe is released
// even if a collaborator panics.
func (m *Monitor) record(ctx context.Context, ev *models.Event) (*rules.Snapshot, []models.TriggeredMatch) {
	unlock := m.locks.lock(ev.SubjectID)
	defer unlock()

	if tags := m.tagger.Tag(ev); len(tags) > 0 {
		ev.Patterns = mergePatterns(ev.Patterns, tags)
	}

	var history []*models.Event
	if ev.SubjectID != "" {
		h, err := m.store.Subject(ctx, ev.SubjectID, ev.Timestamp.Add(-m.cfg.HistoryWindow), ev.Timestamp)
		if err != nil {
			logger.Warnf("Subject history unavailable for %s: %v", ev.SubjectID, err)
			m.metrics.ObserveStoreError("subject")
		}
		history = h
	}
	ev.Score = m.scorer.Score(ev, history)

	// The event is frozen from here on.
	snap := m.registry.Snapshot()
	matches := m.evaluator.Evaluate(ctx, ev, snap)

	if err := m.store.Append(ctx, ev); err != nil {
		logger.Warnf("Failed to store event %s: %v", ev.ID, err)
		m.metrics.ObserveStoreError("append")
	}
	return snap, matches
}

// checkChain enforces the derived-event depth limit. A truncation is
// logged once per rule.
func (m *Monitor) checkChain(ev *models.Event) error {
	if ev.Generation <= m.cfg.MaxChainDepth {
		return nil
	}
	m.metrics.ObserveChainTruncated()
	if ok, _ := m.truncated.ContainsOrAdd(ev.RuleID, struct{}{}); !ok {
		logger.With(logger.Fields{
			"kind":       models.KindChainTruncated,
			"rule":       ev.RuleID,
			"source":     ev.SourceEventID,
			"generation": ev.Generation,
		}).Warnf("Derived event chain truncated at depth %d", m.cfg.MaxChainDepth)
	}
	return fmt.Errorf("%w: rule %s generation %d", ErrChainLimit, ev.RuleID, ev.Generation)
}

func (m *Monitor) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evict(ctx)
		}
	}
}

// Evict drops history older than the retention period.
func (m *Monitor) Evict(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.Retention)
	removed, err := m.store.Evict(ctx, cutoff)
	if err != nil {
		logger.Warnf("Eviction failed: %v", err)
		m.metrics.ObserveStoreError("evict")
	}
	m.evaluator.Prune(cutoff)
	if removed > 0 {
		logger.Debugf("Evicted %d events older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed
}

func mergePatterns(existing, tags []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(tags))
	out := make([]string, 0, len(existing)+len(tags))
	for _, list := range [][]string{existing, tags} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func activeRules(snap *rules.Snapshot) int {
	n := 0
	for _, r := range snap.Rules {
		if r.Active {
			n++
		}
	}
	return n
}
