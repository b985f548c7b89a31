package clickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sentinel/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL        string
	Database   string
	EventTable string
	AlertTable string
	Username   string
	Password   string
	Timeout    time.Duration
	Headers    map[string]string
}

// Writer exports events and alerts to ClickHouse over HTTP using
// JSONEachRow inserts.
type Writer struct {
	eventEndpoint string
	alertEndpoint string
	headers       map[string]string
	client        *http.Client
}

type eventRow struct {
	Timestamp     string            `json:"ts"`
	ID            string            `json:"event_id"`
	Kind          string            `json:"kind"`
	Severity      string            `json:"severity"`
	SubjectID     string            `json:"subject_id"`
	Score         int               `json:"score"`
	Patterns      []string          `json:"patterns"`
	Generation    int               `json:"generation"`
	SourceEventID string            `json:"source_event_id"`
	RuleID        string            `json:"rule_id"`
	IPAddress     string            `json:"ip_address"`
	UserID        string            `json:"user_id"`
	Path          string            `json:"path"`
	Extra         map[string]string `json:"extra"`
}

type alertRow struct {
	Timestamp      string `json:"ts"`
	ID             string `json:"alert_id"`
	SourceEventID  string `json:"source_event_id"`
	RuleID         string `json:"rule_id"`
	SubjectID      string `json:"subject_id"`
	Severity       string `json:"severity"`
	Score          int    `json:"score"`
	Message        string `json:"message"`
	RequiresAction uint8  `json:"requires_action"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.EventTable == "" {
		cfg.EventTable = "sentinel_events"
	}
	if cfg.AlertTable == "" {
		cfg.AlertTable = "sentinel_alerts"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	base := strings.TrimRight(cfg.URL, "/")
	return &Writer{
		eventEndpoint: insertEndpoint(base, cfg.Database, cfg.EventTable),
		alertEndpoint: insertEndpoint(base, cfg.Database, cfg.AlertTable),
		headers:       headers,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

// WriteEvents inserts a batch of events.
func (w *Writer) WriteEvents(events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow{
			Timestamp:     ev.Timestamp.UTC().Format(timeLayout),
			ID:            ev.ID,
			Kind:          string(ev.Kind),
			Severity:      string(ev.Severity),
			SubjectID:     ev.SubjectID,
			Score:         ev.Score,
			Patterns:      nonNil(ev.Patterns),
			Generation:    ev.Generation,
			SourceEventID: ev.SourceEventID,
			RuleID:        ev.RuleID,
			IPAddress:     ev.Attributes.IPAddress,
			UserID:        ev.Attributes.UserID,
			Path:          ev.Attributes.Path,
			Extra:         ev.Attributes.Extra,
		})
	}
	return w.insert(w.eventEndpoint, rows)
}

// WriteAlerts inserts a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(alerts))
	for _, a := range alerts {
		row := alertRow{
			Timestamp:     a.Timestamp.UTC().Format(timeLayout),
			ID:            a.ID,
			SourceEventID: a.SourceEventID,
			RuleID:        a.RuleID,
			SubjectID:     a.SubjectID,
			Severity:      string(a.Severity),
			Score:         a.Score,
			Message:       a.Message,
		}
		if a.RequiresAction {
			row.RequiresAction = 1
		}
		rows = append(rows, row)
	}
	return w.insert(w.alertEndpoint, rows)
}

func (w *Writer) insert(endpoint string, rows []interface{}) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func insertEndpoint(base, database, table string) string {
	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(database), quoteIdent(table))
	return base + "/?query=" + url.QueryEscape(q)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
