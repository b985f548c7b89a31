package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sentinel/internal/logger"
	"sentinel/pkg/models"
)

// Writer appends records to a JSON lines file. One Writer serves either
// alerts or events; both methods are available so the same type backs
// the alert and the audit sinks.
type Writer struct {
	file        *os.File
	buf         *bufio.Writer
	encoder     *json.Encoder
	minSeverity models.Severity
	mu          sync.Mutex
}

// Option configures a Writer.
type Option func(*Writer)

// WithMinSeverity drops alerts below sev.
func WithMinSeverity(sev models.Severity) Option {
	return func(w *Writer) { w.minSeverity = sev }
}

// NewWriter opens path for appending, creating parent directories.
func NewWriter(path string, opts ...Option) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	buf := bufio.NewWriter(f)
	w := &Writer{file: f, buf: buf, encoder: json.NewEncoder(buf)}
	for _, opt := range opts {
		opt(w)
	}
	logger.Infof("JSONL writer initialized: %s", path)
	return w, nil
}

// WriteAlerts appends a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, alert := range alerts {
		if w.minSeverity != "" && !alert.Severity.AtLeast(w.minSeverity) {
			continue
		}
		if err := w.encoder.Encode(alert); err != nil {
			return fmt.Errorf("failed to encode alert: %w", err)
		}
	}
	return w.buf.Flush()
}

// WriteEvents appends a batch of events.
func (w *Writer) WriteEvents(events []*models.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, event := range events {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return w.buf.Flush()
}

// Close flushes and closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	err := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}
