package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel/internal/logger"
	"sentinel/internal/rules"
	"sentinel/internal/transform/submission"
	"sentinel/pkg/models"
)

const maxBodyBytes = 1 << 20

// Monitor is the part of the pipeline the HTTP surface drives.
type Monitor interface {
	SubmitEvent(ctx context.Context, ev *models.Event) string
	GetMetrics(ctx context.Context, window time.Duration) (models.MetricsReport, error)
}

// StatsSource exposes per-rule trigger counters.
type StatsSource interface {
	Stats() map[string]rules.RuleStats
}

// Server serves ingestion, rule administration and reporting.
type Server struct {
	r        *chi.Mux
	monitor  Monitor
	registry *rules.Registry
	stats    StatsSource
}

// NewServer builds the router. gatherer may be nil to omit /metrics.
func NewServer(monitor Monitor, registry *rules.Registry, stats StatsSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{r: chi.NewRouter(), monitor: monitor, registry: registry, stats: stats}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(middleware.Recoverer)

	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	if gatherer != nil {
		s.r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.r.Post("/events", s.postEvents)
	s.r.Get("/report", s.getReport)

	s.r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.createRule)
		r.Get("/stats", s.ruleStats)
		r.Get("/{id}", s.getRule)
		r.Put("/{id}", s.updateRule)
		r.Delete("/{id}", s.deleteRule)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.r }

type submitResponse struct {
	IDs     []string `json:"ids"`
	Ignored int      `json:"ignored"`
}

// postEvents accepts one submission object or an array of them. Any
// decodable JSON is acknowledged with 202; shape problems are logged.
func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var items []interface{}
	switch v := doc.(type) {
	case []interface{}:
		items = v
	default:
		items = []interface{}{v}
	}

	resp := submitResponse{IDs: []string{}}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			resp.Ignored++
			continue
		}
		ev, err := submission.FromMap(m)
		if err != nil {
			logger.Warnf("Ignoring submission from %s: %v", r.RemoteAddr, err)
			resp.Ignored++
			continue
		}
		if id := s.monitor.SubmitEvent(r.Context(), ev); id != "" {
			resp.IDs = append(resp.IDs, id)
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	} else if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		window = time.Duration(h * float64(time.Hour))
	}

	report, err := s.monitor.GetMetrics(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if err := s.registry.Create(rule); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.Update(id, rule); err != nil {
		writeRuleError(w, err)
		return
	}
	updated, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(chi.URLParam(r, "id")); err != nil {
		writeRuleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]rules.RuleStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func decodeRule(w http.ResponseWriter, r *http.Request) (models.Rule, bool) {
	var rule models.Rule
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return rule, false
	}
	return rule, true
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeRuleError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, rules.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrRuleExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}
