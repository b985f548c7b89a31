package main

import (
	"fmt"
	"strings"

	"sentinel/config"
	"sentinel/internal/dispatch"
	"sentinel/internal/logger"
	"sentinel/internal/notify/lognotify"
	"sentinel/internal/notify/natsnotify"
	"sentinel/internal/output/alerthttp"
	"sentinel/internal/output/clickhouse"
	"sentinel/internal/output/jsonl"
	"sentinel/internal/patterns"
	"sentinel/internal/pipeline"
	"sentinel/internal/rules"
	"sentinel/internal/scoring"
	"sentinel/internal/store"
	"sentinel/pkg/models"
)

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Infof("Store backend: memory")
		return store.NewMemoryStore(), nil
	case "redis":
		st, err := store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Store backend: redis (%s, prefix %s)", cfg.Redis.Addr, cfg.KeyPrefix)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

// loadRegistry reads the rule file. A missing file starts an empty rule
// set that the API can populate.
func loadRegistry(path string) (*rules.Registry, error) {
	if !fileExists(path) {
		logger.Warnf("Rules file %s not found; starting with no rules", path)
		return rules.NewRegistry(nil)
	}
	loaded, err := rules.LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	registry, err := rules.NewRegistry(loaded)
	if err != nil {
		return nil, err
	}
	logger.Infof("Rules loaded from %s: %d", path, len(loaded))
	return registry, nil
}

func buildOutputs(cfg config.OutputConfig) (pipeline.AlertWriter, pipeline.EventWriter, error) {
	var minSeverity models.Severity
	if cfg.Alerts.MinSeverity != "" {
		sev, err := models.ParseSeverity(cfg.Alerts.MinSeverity)
		if err != nil {
			return nil, nil, fmt.Errorf("alerts.min_severity: %w", err)
		}
		minSeverity = sev
	}

	var ch *clickhouse.Writer
	clickhouseWriter := func() (*clickhouse.Writer, error) {
		if ch != nil {
			return ch, nil
		}
		c := cfg.Events.ClickHouse
		w, err := clickhouse.NewWriter(clickhouse.Config{
			URL:        c.URL,
			Database:   c.Database,
			EventTable: c.EventTable,
			AlertTable: c.AlertTable,
			Username:   c.Username,
			Password:   c.Password,
			Timeout:    c.Timeout,
			Headers:    c.Headers,
		})
		if err != nil {
			return nil, err
		}
		ch = w
		logger.Infof("ClickHouse output: %s/%s", c.URL, c.Database)
		return ch, nil
	}

	var alerts pipeline.AlertWriter
	switch cfg.Alerts.Mode {
	case "file":
		w, err := jsonl.NewWriter(cfg.Alerts.File.Path, jsonl.WithMinSeverity(minSeverity))
		if err != nil {
			return nil, nil, fmt.Errorf("alert file writer: %w", err)
		}
		alerts = w
		logger.Infof("Alert output mode: file (%s)", cfg.Alerts.File.Path)
	case "http":
		w, err := alerthttp.NewWriter(alerthttp.Config{
			URL:         cfg.Alerts.HTTP.URL,
			Timeout:     cfg.Alerts.HTTP.Timeout,
			Headers:     cfg.Alerts.HTTP.Headers,
			MinSeverity: minSeverity,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("alert HTTP writer: %w", err)
		}
		alerts = w
		logger.Infof("Alert output mode: http (%s)", cfg.Alerts.HTTP.URL)
	case "clickhouse":
		w, err := clickhouseWriter()
		if err != nil {
			return nil, nil, fmt.Errorf("alert ClickHouse writer: %w", err)
		}
		alerts = w
	case "none":
	default:
		return nil, nil, fmt.Errorf("unknown alert output mode: %s", cfg.Alerts.Mode)
	}

	var events pipeline.EventWriter
	switch cfg.Events.Mode {
	case "file":
		w, err := jsonl.NewWriter(cfg.Events.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("event file writer: %w", err)
		}
		events = w
		logger.Infof("Event output mode: file (%s)", cfg.Events.File.Path)
	case "clickhouse":
		w, err := clickhouseWriter()
		if err != nil {
			return nil, nil, fmt.Errorf("event ClickHouse writer: %w", err)
		}
		events = w
	case "none":
	default:
		return nil, nil, fmt.Errorf("unknown event output mode: %s", cfg.Events.Mode)
	}

	return alerts, events, nil
}

func buildNotifier(cfg config.NotifyConfig) (pipeline.Notifier, error) {
	switch cfg.Mode {
	case "log":
		return lognotify.New(), nil
	case "nats":
		n, err := natsnotify.New(natsnotify.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notify mode: %s", cfg.Mode)
	}
}

// buildMonitor translates the pipeline, scoring and pattern sections.
// Store, registry and sinks are left for the caller.
func buildMonitor(s config.SentinelConfig) (pipeline.Config, pipeline.Deps, error) {
	loc, err := s.Pipeline.Location()
	if err != nil {
		return pipeline.Config{}, pipeline.Deps{}, fmt.Errorf("timezone: %w", err)
	}
	cfg := pipeline.Config{
		MaxChainDepth:     s.Pipeline.MaxChainDepth,
		LockStripes:       s.Pipeline.LockStripes,
		HistoryWindow:     s.Pipeline.HistoryWindow,
		Retention:         s.Pipeline.Retention,
		EvictInterval:     s.Pipeline.EvictInterval,
		SinkQueueSize:     s.Pipeline.QueueSize,
		SinkBatchSize:     s.Pipeline.BatchSize,
		SinkFlushInterval: s.Pipeline.FlushInterval,
		SinkRetries:       s.Pipeline.DeliveryRetries,
		Location:          loc,
	}

	scoringCfg, err := scoringConfig(s.Scoring)
	if err != nil {
		return pipeline.Config{}, pipeline.Deps{}, err
	}

	deps := pipeline.Deps{
		Scorer: scoring.NewScorer(scoringCfg),
		Dispatcher: dispatch.New(dispatch.Config{
			BlockDuration: s.Pipeline.BlockDuration,
			DerivedKind:   models.EventKind(s.Pipeline.DerivedKind),
		}),
	}

	if s.Patterns.Enabled {
		if strings.TrimSpace(s.Patterns.Path) == "" {
			logger.Warnf("Patterns enabled but patterns.path is empty; pattern tagging disabled")
		} else {
			tagger, stats, err := patterns.NewSigmaTagger(s.Patterns.Path)
			if err != nil {
				return pipeline.Config{}, pipeline.Deps{}, fmt.Errorf("load patterns: %w", err)
			}
			logger.Infof("Sigma patterns loaded: loaded=%d skipped_complex=%d skipped_product=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedProduct,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)
			deps.Tagger = tagger
		}
	}

	return cfg, deps, nil
}

func scoringConfig(c config.ScoringConfig) (scoring.Config, error) {
	out := scoring.DefaultConfig()
	if len(c.SeverityBase) > 0 {
		out.SeverityBase = make(map[models.Severity]int, len(c.SeverityBase))
		for raw, v := range c.SeverityBase {
			sev, err := models.ParseSeverity(raw)
			if err != nil {
				return out, fmt.Errorf("scoring.severity_base: %w", err)
			}
			out.SeverityBase[sev] = v
		}
	}
	for kind, v := range c.KindModifiers {
		out.KindModifiers[models.EventKind(kind)] = v
	}
	for attr, v := range c.AttributeModifiers {
		out.AttributeModifiers[attr] = v
	}
	if c.PatternWeight != 0 {
		out.PatternWeight = c.PatternWeight
	}
	if c.PatternCap != 0 {
		out.PatternCap = c.PatternCap
	}
	if c.RepeatThreshold != 0 {
		out.RepeatThreshold = c.RepeatThreshold
	}
	if c.RepeatModifier != 0 {
		out.RepeatModifier = c.RepeatModifier
	}
	return out, nil
}
