package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

// Metrics holds the Prometheus collectors of the monitoring core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	DerivedEventsTotal prometheus.Counter
	RuleMatchesTotal   *prometheus.CounterVec
	MalformedRuleTotal *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
	EffectsTotal       *prometheus.CounterVec
	EffectsDropped     *prometheus.CounterVec
	SinkErrorsTotal    *prometheus.CounterVec
	ChainTruncated     prometheus.Counter
	RuleReloadsTotal   *prometheus.CounterVec
	ProcessSeconds     prometheus.Histogram
	ActiveRules        prometheus.Gauge
}

// New registers all collectors with reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events processed, by kind.",
		}, []string{"kind"}),
		DerivedEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_events_total",
			Help:      "Events synthesized by rule actions.",
		}),
		RuleMatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Rule matches, by rule ID.",
		}, []string{"rule"}),
		MalformedRuleTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_rule_total",
			Help:      "Rules skipped because a condition could not be evaluated.",
		}, []string{"rule"}),
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Ephemeral store failures, by operation.",
		}, []string{"op"}),
		EffectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_total",
			Help:      "Outbound effects produced, by type.",
		}, []string{"type"}),
		EffectsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_dropped_total",
			Help:      "Outbound effects dropped because the sink queue was full.",
		}, []string{"type"}),
		SinkErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed writes to outbound sinks.",
		}, []string{"sink"}),
		ChainTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_truncated_total",
			Help:      "Derived events not re-evaluated because the chain depth limit was reached.",
		}),
		RuleReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule file reloads, by result.",
		}, []string{"result"}),
		ProcessSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_seconds",
			Help:      "Time to score, store and evaluate one event.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ActiveRules: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "Active rules in the current snapshot.",
		}),
	}
}

func (m *Metrics) ObserveEvent(kind string, derived bool) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
	if derived {
		m.DerivedEventsTotal.Inc()
	}
}

func (m *Metrics) ObserveMatch(ruleID string) {
	if m == nil {
		return
	}
	m.RuleMatchesTotal.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ObserveMalformed(ruleID string) {
	if m == nil {
		return
	}
	m.MalformedRuleTotal.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveEffect(effectType string) {
	if m == nil {
		return
	}
	m.EffectsTotal.WithLabelValues(effectType).Inc()
}

func (m *Metrics) ObserveDropped(effectType string) {
	if m == nil {
		return
	}
	m.EffectsDropped.WithLabelValues(effectType).Inc()
}

func (m *Metrics) ObserveSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveChainTruncated() {
	if m == nil {
		return
	}
	m.ChainTruncated.Inc()
}

func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RuleReloadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProcess(seconds float64) {
	if m == nil {
		return
	}
	m.ProcessSeconds.Observe(seconds)
}

func (m *Metrics) SetActiveRules(n int) {
	if m == nil {
		return
	}
	m.ActiveRules.Set(float64(n))
}
