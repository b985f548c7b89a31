package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"sentinel/internal/logger"
	"sentinel/internal/metrics"
	"sentinel/pkg/models"
)

const sinkRetryBackoff = 500 * time.Millisecond

type sinkConfig struct {
	queueSize     int
	batchSize     int
	flushInterval time.Duration
	retries       int
}

// sink decouples effect delivery from event processing. Effects are
// queued without blocking and written in batches by one worker.
type sink struct {
	cfg      sinkConfig
	alerts   AlertWriter
	events   EventWriter
	notifier Notifier
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan models.Effect
}

func newSink(cfg sinkConfig, alerts AlertWriter, events EventWriter, notifier Notifier, m *metrics.Metrics) *sink {
	return &sink{
		cfg:      cfg,
		alerts:   alerts,
		events:   events,
		notifier: notifier,
		metrics:  m,
		queue:    make(chan models.Effect, cfg.queueSize),
	}
}

func (s *sink) wants(t models.EffectType) bool {
	switch t {
	case models.EffectAlert:
		return s.alerts != nil
	case models.EffectEvent:
		return s.events != nil
	case models.EffectNotify, models.EffectBlock:
		return s.notifier != nil
	}
	return false
}

// enqueue never blocks. A full queue drops the effect.
func (s *sink) enqueue(effect models.Effect) {
	if !s.wants(effect.Type) {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- effect:
	default:
		s.metrics.ObserveDropped(string(effect.Type))
		logger.Warnf("Outbound queue full, dropping %s effect", effect.Type)
	}
}

// stop closes the queue; run drains what is left and returns.
func (s *sink) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *sink) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.flushInterval)
	defer ticker.Stop()

	var (
		batchAlerts []*models.Alert
		batchEvents []*models.Event
		batchNotify []*models.NotifyCommand
		batchBlocks []*models.BlockDirective
	)

	flush := func() {
		if len(batchAlerts) > 0 {
			s.write(ctx, "alerts", func() error { return s.alerts.WriteAlerts(batchAlerts) })
			batchAlerts = nil
		}
		if len(batchEvents) > 0 {
			s.write(ctx, "events", func() error { return s.events.WriteEvents(batchEvents) })
			batchEvents = nil
		}
		if len(batchNotify) > 0 {
			s.write(ctx, "notify", func() error { return s.notifier.Notify(ctx, batchNotify) })
			batchNotify = nil
		}
		if len(batchBlocks) > 0 {
			s.write(ctx, "block", func() error { return s.notifier.Block(ctx, batchBlocks) })
			batchBlocks = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case effect, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			switch effect.Type {
			case models.EffectAlert:
				batchAlerts = append(batchAlerts, effect.Alert)
			case models.EffectEvent:
				batchEvents = append(batchEvents, effect.Event)
			case models.EffectNotify:
				batchNotify = append(batchNotify, effect.Notify)
			case models.EffectBlock:
				batchBlocks = append(batchBlocks, effect.Block)
			}
			if len(batchAlerts) >= s.cfg.batchSize || len(batchEvents) >= s.cfg.batchSize ||
				len(batchNotify) >= s.cfg.batchSize || len(batchBlocks) >= s.cfg.batchSize {
				flush()
			}
		}
	}
}

// write retries with linear backoff, then drops the batch.
func (s *sink) write(ctx context.Context, name string, fn func() error) {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return
		}
		s.metrics.ObserveSinkError(name)
		logger.Errorf("Failed to write %s (attempt %d/%d): %v", name, attempt, s.cfg.retries, err)
		if attempt >= s.cfg.retries {
			logger.Errorf("Dropping %s batch after %d attempts", name, attempt)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * sinkRetryBackoff):
		}
	}
}

func (s *sink) close() error {
	var errs []error
	if s.alerts != nil {
		if err := s.alerts.Close(); err != nil {
			logger.Errorf("Failed to close alert writer: %v", err)
			errs = append(errs, err)
		}
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			logger.Errorf("Failed to close event writer: %v", err)
			errs = append(errs, err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			logger.Errorf("Failed to close notifier: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
