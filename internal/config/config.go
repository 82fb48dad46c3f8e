// Package config provides centralized configuration management for the
// usntiered ingestion engine.
//
// This package implements a three-tier configuration hierarchy:
//  1. Environment variables (highest priority)
//  2. An optional YAML override file
//  3. Built-in defaults (lowest priority)
//
// All configuration values have sensible defaults and can be overridden
// through the YAML file or environment variables for consistent deployment
// across development and production.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all configuration values for the usntiered daemon.
type Config struct {
	// Volume Monitoring
	// =================

	// Volumes lists the NTFS volumes to monitor, in one of the forms
	// accepted by internal/volume.Open (drive letter, \\.\X:, or
	// \\?\Volume{GUID}\).
	// Environment: USNTIER_VOLUMES (comma-separated)
	// Default: none — must be configured explicitly
	Volumes []string `yaml:"volumes"`

	// MonitorInterval is the pause between successive ReadJournal polls on
	// an idle volume (§4.3 step 6).
	// Environment: USNTIER_MONITOR_INTERVAL_MS
	// Default: 1000ms
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// ReadBufferSize is the size of the buffer passed to ReadJournal.
	// Environment: USNTIER_READ_BUFFER_BYTES
	// Default: 65536 (64 KiB, per §4.3 step 1)
	ReadBufferSize int `yaml:"read_buffer_size"`

	// CursorPersistInterval is how many records may be processed before the
	// per-volume cursor is persisted (§4.3 step 5).
	// Environment: USNTIER_CURSOR_PERSIST_RECORDS
	// Default: 100
	CursorPersistInterval int `yaml:"cursor_persist_interval"`

	// JournalMaxSize and JournalAllocationDelta are used only when a
	// journal must be created (§4.1 CreateJournal defaults).
	// Environment: USNTIER_JOURNAL_MAX_SIZE_BYTES / USNTIER_JOURNAL_ALLOC_DELTA_BYTES
	// Defaults: 32 MiB / 4 MiB
	JournalMaxSize         uint64 `yaml:"journal_max_size"`
	JournalAllocationDelta uint64 `yaml:"journal_allocation_delta"`

	// Retention
	// =========

	// HotTTL is the default hot-tier per-record TTL (§3 ActivityEvent).
	// Environment: USNTIER_HOT_TTL_HOURS
	// Default: 96 hours (4 days)
	HotTTL time.Duration `yaml:"hot_ttl"`

	// WarmTTL is the default warm-tier record TTL.
	// Environment: USNTIER_WARM_TTL_HOURS
	// Default: 720 hours (30 days)
	WarmTTL time.Duration `yaml:"warm_ttl"`

	// AgeThreshold is the base age at which a hot-tier record becomes
	// transition-ready (§4.7). Scaled ×2.0 for high-importance records and
	// ×0.5 for low-importance records by the transition manager.
	// Environment: USNTIER_AGE_THRESHOLD_HOURS
	// Default: 12 hours
	AgeThreshold time.Duration `yaml:"age_threshold"`

	// AggregationWindow is the warm-tier grouping bucket (§4.7).
	// Environment: USNTIER_AGGREGATION_WINDOW_HOURS
	// Default: 6 hours
	AggregationWindow time.Duration `yaml:"aggregation_window"`

	// TransitionBatchSize is the number of hot records considered per batch.
	// Environment: USNTIER_TRANSITION_BATCH_SIZE
	// Default: 1000
	TransitionBatchSize int `yaml:"transition_batch_size"`

	// TransitionInterval is the scheduled interval between transition runs.
	// Environment: USNTIER_TRANSITION_INTERVAL_MINUTES
	// Default: 60 minutes
	TransitionInterval time.Duration `yaml:"transition_interval"`

	// TransitionMaxBatches bounds how many batches a single scheduled
	// invocation processes.
	// Environment: USNTIER_TRANSITION_MAX_BATCHES
	// Default: 10
	TransitionMaxBatches int `yaml:"transition_max_batches"`

	// TransitionPause is the pause between batches within one invocation.
	// Environment: USNTIER_TRANSITION_PAUSE_SECONDS
	// Default: 5 seconds
	TransitionPause time.Duration `yaml:"transition_pause"`

	// Storage
	// =======

	// DataPath is the root directory for the sqlite document store, cursor
	// files, and warm snapshots.
	// Environment: USNTIER_DATA_PATH
	// Default: "./var"
	DataPath string `yaml:"data_path"`

	// SnapshotsEnabled controls whether the transition manager writes
	// hot.jsonl/warm.jsonl snapshot pairs (§4.7).
	// Environment: USNTIER_SNAPSHOTS_ENABLED
	// Default: false
	SnapshotsEnabled bool `yaml:"snapshots_enabled"`

	// Diagnostics
	// ===========

	// DiagAddr is the listen address for the read-only diagnostics HTTP
	// endpoint. Empty disables it.
	// Environment: USNTIER_DIAG_ADDR
	// Default: ":7980"
	DiagAddr string `yaml:"diag_addr"`

	// Logging
	// =======

	// LogLevel sets the minimum log level for message output.
	// Environment: USNTIER_LOG_LEVEL
	// Default: "info"
	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML implements yaml.Unmarshaler so that duration fields accept
// Go duration strings ("48h", "90s") in the config file, which yaml.v2
// cannot decode directly into a time.Duration (an int64 under the hood).
// Only keys present in the document are applied, so a partial file layers
// on top of whatever defaults the target Config already holds.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Volumes                []string `yaml:"volumes"`
		MonitorInterval        string   `yaml:"monitor_interval"`
		ReadBufferSize         *int     `yaml:"read_buffer_size"`
		CursorPersistInterval  *int     `yaml:"cursor_persist_interval"`
		JournalMaxSize         *uint64  `yaml:"journal_max_size"`
		JournalAllocationDelta *uint64  `yaml:"journal_allocation_delta"`
		HotTTL                 string   `yaml:"hot_ttl"`
		WarmTTL                string   `yaml:"warm_ttl"`
		AgeThreshold           string   `yaml:"age_threshold"`
		AggregationWindow      string   `yaml:"aggregation_window"`
		TransitionBatchSize    *int     `yaml:"transition_batch_size"`
		TransitionInterval     string   `yaml:"transition_interval"`
		TransitionMaxBatches   *int     `yaml:"transition_max_batches"`
		TransitionPause        string   `yaml:"transition_pause"`
		DataPath               string   `yaml:"data_path"`
		SnapshotsEnabled       *bool    `yaml:"snapshots_enabled"`
		DiagAddr               string   `yaml:"diag_addr"`
		LogLevel               string   `yaml:"log_level"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if len(raw.Volumes) > 0 {
		c.Volumes = raw.Volumes
	}
	if err := applyDuration(raw.MonitorInterval, "monitor_interval", &c.MonitorInterval); err != nil {
		return err
	}
	if raw.ReadBufferSize != nil {
		c.ReadBufferSize = *raw.ReadBufferSize
	}
	if raw.CursorPersistInterval != nil {
		c.CursorPersistInterval = *raw.CursorPersistInterval
	}
	if raw.JournalMaxSize != nil {
		c.JournalMaxSize = *raw.JournalMaxSize
	}
	if raw.JournalAllocationDelta != nil {
		c.JournalAllocationDelta = *raw.JournalAllocationDelta
	}
	if err := applyDuration(raw.HotTTL, "hot_ttl", &c.HotTTL); err != nil {
		return err
	}
	if err := applyDuration(raw.WarmTTL, "warm_ttl", &c.WarmTTL); err != nil {
		return err
	}
	if err := applyDuration(raw.AgeThreshold, "age_threshold", &c.AgeThreshold); err != nil {
		return err
	}
	if err := applyDuration(raw.AggregationWindow, "aggregation_window", &c.AggregationWindow); err != nil {
		return err
	}
	if raw.TransitionBatchSize != nil {
		c.TransitionBatchSize = *raw.TransitionBatchSize
	}
	if err := applyDuration(raw.TransitionInterval, "transition_interval", &c.TransitionInterval); err != nil {
		return err
	}
	if raw.TransitionMaxBatches != nil {
		c.TransitionMaxBatches = *raw.TransitionMaxBatches
	}
	if err := applyDuration(raw.TransitionPause, "transition_pause", &c.TransitionPause); err != nil {
		return err
	}
	if raw.DataPath != "" {
		c.DataPath = raw.DataPath
	}
	if raw.SnapshotsEnabled != nil {
		c.SnapshotsEnabled = *raw.SnapshotsEnabled
	}
	if raw.DiagAddr != "" {
		c.DiagAddr = raw.DiagAddr
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	return nil
}

func applyDuration(raw, field string, out *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*out = d
	return nil
}

// Default returns a Config populated entirely with built-in defaults.
func Default() *Config {
	return &Config{
		MonitorInterval:        time.Second,
		ReadBufferSize:         64 * 1024,
		CursorPersistInterval:  100,
		JournalMaxSize:         32 * 1024 * 1024,
		JournalAllocationDelta: 4 * 1024 * 1024,
		HotTTL:                 4 * 24 * time.Hour,
		WarmTTL:                30 * 24 * time.Hour,
		AgeThreshold:           12 * time.Hour,
		AggregationWindow:      6 * time.Hour,
		TransitionBatchSize:    1000,
		TransitionInterval:     60 * time.Minute,
		TransitionMaxBatches:   10,
		TransitionPause:        5 * time.Second,
		DataPath:               "./var",
		SnapshotsEnabled:       false,
		DiagAddr:               ":7980",
		LogLevel:               "info",
	}
}

// Load builds a Config by layering, in increasing priority: built-in
// defaults, an optional YAML file at yamlPath (skipped silently if it does
// not exist), and environment variables (USNTIER_* prefix).
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("USNTIER_VOLUMES"); v != "" {
		cfg.Volumes = splitAndTrim(v)
	}
	cfg.MonitorInterval = getEnvDurationMS("USNTIER_MONITOR_INTERVAL_MS", cfg.MonitorInterval)
	cfg.ReadBufferSize = getEnvInt("USNTIER_READ_BUFFER_BYTES", cfg.ReadBufferSize)
	cfg.CursorPersistInterval = getEnvInt("USNTIER_CURSOR_PERSIST_RECORDS", cfg.CursorPersistInterval)
	cfg.JournalMaxSize = getEnvUint64("USNTIER_JOURNAL_MAX_SIZE_BYTES", cfg.JournalMaxSize)
	cfg.JournalAllocationDelta = getEnvUint64("USNTIER_JOURNAL_ALLOC_DELTA_BYTES", cfg.JournalAllocationDelta)
	cfg.HotTTL = getEnvDurationHours("USNTIER_HOT_TTL_HOURS", cfg.HotTTL)
	cfg.WarmTTL = getEnvDurationHours("USNTIER_WARM_TTL_HOURS", cfg.WarmTTL)
	cfg.AgeThreshold = getEnvDurationHours("USNTIER_AGE_THRESHOLD_HOURS", cfg.AgeThreshold)
	cfg.AggregationWindow = getEnvDurationHours("USNTIER_AGGREGATION_WINDOW_HOURS", cfg.AggregationWindow)
	cfg.TransitionBatchSize = getEnvInt("USNTIER_TRANSITION_BATCH_SIZE", cfg.TransitionBatchSize)
	cfg.TransitionInterval = getEnvDurationMinutes("USNTIER_TRANSITION_INTERVAL_MINUTES", cfg.TransitionInterval)
	cfg.TransitionMaxBatches = getEnvInt("USNTIER_TRANSITION_MAX_BATCHES", cfg.TransitionMaxBatches)
	cfg.TransitionPause = getEnvDurationSeconds("USNTIER_TRANSITION_PAUSE_SECONDS", cfg.TransitionPause)
	cfg.DataPath = getEnv("USNTIER_DATA_PATH", cfg.DataPath)
	cfg.SnapshotsEnabled = getEnvBool("USNTIER_SNAPSHOTS_ENABLED", cfg.SnapshotsEnabled)
	cfg.DiagAddr = getEnv("USNTIER_DIAG_ADDR", cfg.DiagAddr)
	cfg.LogLevel = getEnv("USNTIER_LOG_LEVEL", cfg.LogLevel)
}

// SqliteStorePath returns the filesystem path to the document-store database.
func (c *Config) SqliteStorePath() string {
	return c.DataPath + "/data/activity.db"
}

// CursorPath returns the filesystem path to the cursor state file.
func (c *Config) CursorPath() string {
	return c.DataPath + "/data/cursor.json"
}

// SnapshotsDir returns the warm_snapshots directory under DataPath, inside
// which <iso8601> snapshot directories are created.
func (c *Config) SnapshotsDir() string {
	return c.DataPath + "/warm_snapshots"
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationMS(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvDurationSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

func getEnvDurationMinutes(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Minute
		}
	}
	return defaultValue
}

func getEnvDurationHours(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Hour
		}
	}
	return defaultValue
}
