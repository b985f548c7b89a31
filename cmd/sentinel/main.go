package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sentinel/config"
	"sentinel/internal/api"
	inputredis "sentinel/internal/input/redis"
	"sentinel/internal/logger"
	"sentinel/internal/metrics"
	"sentinel/internal/pipeline"
	"sentinel/internal/rules"
	"sentinel/internal/store"
	"sentinel/internal/transform/submission"
	"sentinel/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("sentinel.yml"); err == nil {
		return "sentinel.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "sentinel.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "sentinel.yml"
}

func applyDefaults(cfg *config.Config) {
	s := &cfg.Sentinel

	if s.Input.Redis.Addr == "" {
		s.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if s.Input.Redis.Key == "" {
		s.Input.Redis.Key = "sentinel_events"
	}
	if s.Input.Redis.BlockTimeout == 0 {
		s.Input.Redis.BlockTimeout = 5 * time.Second
	}
	if s.Input.Workers <= 0 {
		s.Input.Workers = 8
	}

	if s.Store.Backend == "" {
		s.Store.Backend = "memory"
	}
	if s.Store.KeyPrefix == "" {
		s.Store.KeyPrefix = "sentinel:store"
	}
	if s.Store.Redis.Addr == "" {
		s.Store.Redis.Addr = s.Input.Redis.Addr
	}

	if s.Rules.Path == "" {
		s.Rules.Path = "rules.yml"
	}

	if s.Output.Alerts.Mode == "" {
		s.Output.Alerts.Mode = "file"
	}
	if s.Output.Alerts.File.Path == "" {
		s.Output.Alerts.File.Path = "output/alerts.jsonl"
	}
	if s.Output.Events.Mode == "" {
		s.Output.Events.Mode = "none"
	}
	if s.Output.Events.File.Path == "" {
		s.Output.Events.File.Path = "output/events.jsonl"
	}
	if s.Output.Events.ClickHouse.Database == "" {
		s.Output.Events.ClickHouse.Database = "sentinel"
	}

	if s.Notify.Mode == "" {
		s.Notify.Mode = "log"
	}

	if s.API.Listen == "" {
		s.API.Listen = ":8080"
	}
	if s.API.ReadTimeout <= 0 {
		s.API.ReadTimeout = 10 * time.Second
	}
	if s.API.WriteTimeout <= 0 {
		s.API.WriteTimeout = 10 * time.Second
	}
	if s.API.ShutdownTimeout <= 0 {
		s.API.ShutdownTimeout = 5 * time.Second
	}

	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
}

func runServe(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	s := cfg.Sentinel

	if err := logger.Init(s.Logging.Enabled, s.Logging.Level, s.Logging.File, s.Logging.Console, s.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("Sentinel starting")
	logger.Infof("Config loaded from: %s", configPath)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	st, err := buildStore(s.Store)
	if err != nil {
		logger.Errorf("Failed to create store: %v", err)
		log.Fatalf("Failed to create store: %v", err)
	}

	registry, err := loadRegistry(s.Rules.Path)
	if err != nil {
		logger.Errorf("Failed to load rules from %s: %v", s.Rules.Path, err)
		log.Fatalf("Failed to load rules: %v", err)
	}

	alertWriter, eventWriter, err := buildOutputs(s.Output)
	if err != nil {
		logger.Errorf("Failed to create outputs: %v", err)
		log.Fatalf("Failed to create outputs: %v", err)
	}

	notifier, err := buildNotifier(s.Notify)
	if err != nil {
		logger.Errorf("Failed to create notifier: %v", err)
		log.Fatalf("Failed to create notifier: %v", err)
	}

	monitorCfg, deps, err := buildMonitor(s)
	if err != nil {
		log.Fatalf("Invalid pipeline config: %v", err)
	}
	deps.Store = st
	deps.Registry = registry
	deps.Metrics = m
	deps.Alerts = alertWriter
	deps.Events = eventWriter
	deps.Notifier = notifier

	monitor, err := pipeline.New(monitorCfg, deps)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)

	if s.Rules.Watch {
		watcher, err := rules.NewWatcher(s.Rules.Path, registry, s.Rules.ReloadDebounce)
		if err != nil {
			logger.Errorf("Failed to watch rules: %v", err)
		} else {
			watcher.OnReload(func(_ int64, err error) { m.ObserveReload(err) })
			go watcher.Run(ctx)
			logger.Infof("Watching rules file: %s", s.Rules.Path)
		}
	}

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	ingestDone := make(chan struct{})
	var ingest *pipeline.IngestPipeline
	if s.Input.Enabled {
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         s.Input.Redis.Addr,
			Password:     s.Input.Redis.Password,
			DB:           s.Input.Redis.DB,
			Key:          s.Input.Redis.Key,
			BlockTimeout: s.Input.Redis.BlockTimeout,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis consumer: %v", err)
			log.Fatalf("Failed to create Redis consumer: %v", err)
		}
		ingest = pipeline.NewIngestPipeline(consumer, monitor, s.Input.Workers)
		go func() {
			defer close(ingestDone)
			if err := ingest.Run(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Ingest pipeline error: %v", err)
			}
		}()
	} else {
		close(ingestDone)
	}

	var httpServer *http.Server
	if s.API.Enabled {
		srv := api.NewServer(monitor, registry, monitor.Evaluator(), promReg)
		httpServer = &http.Server{
			Addr:         s.API.Listen,
			Handler:      srv.Handler(),
			ReadTimeout:  s.API.ReadTimeout,
			WriteTimeout: s.API.WriteTimeout,
		}
		go func() {
			logger.Infof("API listening on %s", s.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("API server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	if httpServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), s.API.ShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error stopping API server: %v", err)
		}
		stop()
	}
	stopIngest()
	<-ingestDone
	if ingest != nil {
		if err := ingest.Close(); err != nil {
			logger.Errorf("Error closing ingest pipeline: %v", err)
		}
	}

	// Close drains queued effects before the background context goes.
	if err := monitor.Close(); err != nil {
		logger.Errorf("Error closing monitor: %v", err)
	}
	cancel()
	if err := st.Close(); err != nil {
		logger.Errorf("Error closing store: %v", err)
	}

	logger.Infof("Sentinel stopped")
}

type replayRow struct {
	Event   *models.Event   `json:"event"`
	Rules   []string        `json:"rules,omitempty"`
	Effects []models.Effect `json:"effects,omitempty"`
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path (optional)")
	input := fs.String("input", "", "JSONL file of event submissions")
	output := fs.String("output", "output/replay.jsonl", "Processed events JSONL output path")
	rulesFile := fs.String("rules", "", "Rule file, overrides the config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "replay: -input is required")
		return 2
	}

	cfg := &config.Config{}
	if path := findConfigFile(*configArg); fileExists(path) {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	applyDefaults(cfg)
	if *rulesFile != "" {
		cfg.Sentinel.Rules.Path = *rulesFile
	}
	logger.SetOutput(os.Stderr, "warn")

	registry, err := loadRegistry(cfg.Sentinel.Rules.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load rules: %v\n", err)
		return 1
	}
	monitorCfg, deps, err := buildMonitor(cfg.Sentinel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pipeline config: %v\n", err)
		return 1
	}
	deps.Store = store.NewMemoryStore()
	deps.Registry = registry
	monitor, err := pipeline.New(monitorCfg, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create monitor: %v\n", err)
		return 1
	}
	defer monitor.Close()

	rows, skipped, err := replayFile(context.Background(), monitor, *input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		return 1
	}
	if err := writeJSONLines(*output, rows); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
		return 1
	}

	events := make([]*models.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.Event)
	}
	var report models.MetricsReport
	if len(events) > 0 {
		first, last := events[0].Timestamp, events[0].Timestamp
		for _, ev := range events[1:] {
			if ev.Timestamp.Before(first) {
				first = ev.Timestamp
			}
			if ev.Timestamp.After(last) {
				last = ev.Timestamp
			}
		}
		report = pipeline.Aggregate(events, first, last)
	}
	summary, _ := json.Marshal(report)
	fmt.Printf("replayed events=%d skipped=%d output=%s\n%s\n", len(rows), skipped, *output, summary)
	return 0
}

// replayFile runs every submission in path through monitor in order,
// flattening derived events after their source.
func replayFile(ctx context.Context, monitor *pipeline.Monitor, path string) ([]replayRow, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var rows []replayRow
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ev, err := submission.Parse(scanner.Bytes())
		if err != nil {
			logger.Warnf("Skipping line %d: %v", line, err)
			skipped++
			continue
		}
		rows = flatten(rows, monitor.Process(ctx, ev))
	}
	return rows, skipped, scanner.Err()
}

func flatten(rows []replayRow, res pipeline.Result) []replayRow {
	row := replayRow{Event: res.Event, Effects: res.Effects}
	for _, m := range res.Matches {
		row.Rules = append(row.Rules, m.Rule.ID)
	}
	rows = append(rows, row)
	for _, d := range res.Derived {
		rows = flatten(rows, d)
	}
	return rows
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSONLines[T any](path string, rows []T) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range rows {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "replay":
			os.Exit(runReplay(os.Args[2:]))
		default:
			// First arg is a config path.
			runServe(os.Args[1:])
			return
		}
	}

	runServe(nil)
}
