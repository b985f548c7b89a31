package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"sentinel/internal/logger"
	"sentinel/internal/transform/submission"
	"sentinel/pkg/models"
)

// Source yields raw event submissions. A nil payload with a nil error
// means nothing arrived before the source's poll timeout.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// backlogSource is a Source that can report its queue depth.
type backlogSource interface {
	Backlog(ctx context.Context) (int64, error)
}

// IngestPipeline feeds submissions from a queue into a Monitor.
type IngestPipeline struct {
	source  Source
	monitor *Monitor
	workers int
}

// NewIngestPipeline creates a pipeline reading from source.
func NewIngestPipeline(source Source, monitor *Monitor, workers int) *IngestPipeline {
	return &IngestPipeline{source: source, monitor: monitor, workers: workers}
}

// Run starts the pipeline loop and blocks until ctx is done.
func (p *IngestPipeline) Run(ctx context.Context) error {
	logger.Infof("Ingest pipeline started")
	if b, ok := p.source.(backlogSource); ok {
		if n, err := b.Backlog(ctx); err != nil {
			logger.Warnf("Failed to read ingest backlog: %v", err)
		} else {
			logger.Infof("Ingest backlog: %d pending submissions", n)
		}
	}

	if p.workers <= 0 {
		p.workers = 8
	}

	// One queue per worker; a subject always lands on the same worker
	// so its events are processed in queue order.
	queues := make([]chan *models.Event, p.workers)
	for i := range queues {
		queues[i] = make(chan *models.Event, 4)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, queues)
		for _, q := range queues {
			close(q)
		}
	}()

	for _, q := range queues {
		wg.Add(1)
		go func(in <-chan *models.Event) {
			defer wg.Done()
			p.workerLoop(ctx, in)
		}(q)
	}

	wg.Wait()
	return ctx.Err()
}

// Close releases the source.
func (p *IngestPipeline) Close() error {
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *IngestPipeline) readLoop(ctx context.Context, queues []chan *models.Event) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop submission: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		event, err := submission.Parse(payload)
		if err != nil {
			logger.Warnf("Failed to parse submission: %v", err)
			continue
		}
		select {
		case queues[workerFor(event.SubjectID, len(queues))] <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (p *IngestPipeline) workerLoop(ctx context.Context, in <-chan *models.Event) {
	for event := range in {
		p.monitor.SubmitEvent(ctx, event)
	}
}

// workerFor picks the worker owning subject.
func workerFor(subject string, workers int) int {
	return int(xxhash.Sum64String(subject) % uint64(workers))
}
