package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Sentinel SentinelConfig `yaml:"sentinel"`
}

// SentinelConfig is the project configuration.
type SentinelConfig struct {
	Input    InputConfig    `yaml:"input"`
	Store    StoreConfig    `yaml:"store"`
	Rules    RulesConfig    `yaml:"rules"`
	Patterns PatternsConfig `yaml:"patterns"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Output   OutputConfig   `yaml:"output"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InputConfig controls the submission queue reader.
type InputConfig struct {
	Enabled bool        `yaml:"enabled"`
	Workers int         `yaml:"workers"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig controls a Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// StoreConfig selects the ephemeral store backend.
type StoreConfig struct {
	Backend   string      `yaml:"backend"` // memory|redis
	KeyPrefix string      `yaml:"key_prefix"`
	Redis     RedisConfig `yaml:"redis"`
}

// RulesConfig controls the rule file and hot reload.
type RulesConfig struct {
	Path           string        `yaml:"path"`
	Watch          bool          `yaml:"watch"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// PatternsConfig controls Sigma pattern tagging.
type PatternsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ScoringConfig overrides the scoring tables. Unset tables keep their
// defaults.
type ScoringConfig struct {
	SeverityBase       map[string]int `yaml:"severity_base"`
	KindModifiers      map[string]int `yaml:"kind_modifiers"`
	AttributeModifiers map[string]int `yaml:"attribute_modifiers"`
	PatternWeight      int            `yaml:"pattern_weight"`
	PatternCap         int            `yaml:"pattern_cap"`
	RepeatThreshold    int            `yaml:"repeat_threshold"`
	RepeatModifier     int            `yaml:"repeat_modifier"`
}

// PipelineConfig controls monitor behavior.
type PipelineConfig struct {
	MaxChainDepth   int           `yaml:"max_chain_depth"`
	LockStripes     int           `yaml:"lock_stripes"`
	HistoryWindow   time.Duration `yaml:"history_window"`
	Retention       time.Duration `yaml:"retention"`
	EvictInterval   time.Duration `yaml:"evict_interval"`
	Timezone        string        `yaml:"timezone"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	DerivedKind     string        `yaml:"derived_kind"`
	QueueSize       int           `yaml:"queue_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	DeliveryRetries int           `yaml:"delivery_retries"`
}

// OutputConfig controls the alert and event sinks.
type OutputConfig struct {
	Alerts AlertOutputConfig `yaml:"alerts"`
	Events EventOutputConfig `yaml:"events"`
}

// AlertOutputConfig controls the alert sink.
type AlertOutputConfig struct {
	Mode        string           `yaml:"mode"` // file|http|clickhouse|none
	MinSeverity string           `yaml:"min_severity"`
	File        FileOutputConfig `yaml:"file"`
	HTTP        HTTPOutputConfig `yaml:"http"`
}

// EventOutputConfig controls the SIEM/audit event sink.
type EventOutputConfig struct {
	Mode       string                 `yaml:"mode"` // file|clickhouse|none
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL        string            `yaml:"url"`
	Database   string            `yaml:"database"`
	EventTable string            `yaml:"event_table"`
	AlertTable string            `yaml:"alert_table"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// NotifyConfig selects where notifications and block directives go.
type NotifyConfig struct {
	Mode string     `yaml:"mode"` // log|nats
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig controls the NATS notifier.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	Format  string `yaml:"format"` // text|json
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// Location resolves the configured timezone. Empty means UTC.
func (p PipelineConfig) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}
