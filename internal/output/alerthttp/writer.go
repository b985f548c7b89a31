package alerthttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sentinel/pkg/models"
)

// Writer posts alert batches to a webhook.
type Writer struct {
	url         string
	headers     map[string]string
	minSeverity models.Severity
	client      *http.Client
}

// Config configures the HTTP writer.
type Config struct {
	URL         string
	Timeout     time.Duration
	Headers     map[string]string
	MinSeverity models.Severity
}

// Payload is the webhook body.
type Payload struct {
	Source string          `json:"source"`
	SentAt time.Time       `json:"sent_at"`
	Alerts []*models.Alert `json:"alerts"`
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http alert URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:         cfg.URL,
		headers:     cfg.Headers,
		minSeverity: cfg.MinSeverity,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts posts the alerts at or above the minimum severity.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	selected := alerts[:0:0]
	for _, a := range alerts {
		if w.minSeverity == "" || a.Severity.AtLeast(w.minSeverity) {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return nil
	}

	body, err := json.Marshal(Payload{Source: "sentinel", SentAt: time.Now().UTC(), Alerts: selected})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}

	return nil
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
