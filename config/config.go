// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the rejoin daemon.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Rejoin    RejoinConfig    `yaml:"rejoin"`
	Stream    StreamConfig    `yaml:"stream"`
	TaskLog   TaskLogConfig   `yaml:"task_log"`
	Progress  ProgressConfig  `yaml:"progress"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	HostID uint32 `yaml:"host_id"`
	// LowestSite marks the node that ships the hashinator to joining sites.
	LowestSite bool `yaml:"lowest_site"`
	// JoinHostID and JoinSites describe the joining host the demo rejoins.
	JoinHostID uint32 `yaml:"join_host_id"`
	JoinSites  int    `yaml:"join_sites"`
}

// ServerConfig holds the status endpoint settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RejoinConfig holds coordinator configuration.
type RejoinConfig struct {
	Strategy           string        `yaml:"strategy"` // sequential, parallel
	OverflowDir        string        `yaml:"overflow_dir"`
	SiteTimeout        time.Duration `yaml:"site_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"` // bounds each initiation send
	ReplayPollInterval time.Duration `yaml:"replay_poll_interval"`
	ShouldTruncate     bool          `yaml:"should_truncate"`
	NewPartitionCount  int           `yaml:"new_partition_count"` // 0 keeps the current count
}

// StreamConfig holds snapshot stream configuration.
type StreamConfig struct {
	Compression    string               `yaml:"compression"` // none, s2, zstd
	QueueSize      int                  `yaml:"queue_size"`
	SendTimeout    time.Duration        `yaml:"send_timeout"`
	SendRateBytes  int                  `yaml:"send_rate_bytes"` // 0 = unlimited
	SendBurstBytes int                  `yaml:"send_burst_bytes"`
	Window         int                  `yaml:"window"`
	AckTimeout     time.Duration        `yaml:"ack_timeout"`
	Breaker        CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig holds per-destination breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// TaskLogConfig holds task log buffering configuration.
type TaskLogConfig struct {
	BufferSize         int `yaml:"buffer_size"`
	MaxInMemoryBuffers int `yaml:"max_in_memory_buffers"` // 0 = always spill
}

// ProgressConfig selects the checkpoint store.
type ProgressConfig struct {
	Type       string `yaml:"type"` // memory, badger
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			HostID:     1,
			LowestSite: true,
			JoinHostID: 2,
			JoinSites:  2,
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Rejoin: RejoinConfig{
			Strategy:           "parallel",
			OverflowDir:        "/tmp/rejoin/overflow",
			SiteTimeout:        5 * time.Minute,
			SendTimeout:        5 * time.Second,
			ReplayPollInterval: 10 * time.Millisecond,
		},
		Stream: StreamConfig{
			Compression:    "s2",
			QueueSize:      1024,
			SendTimeout:    30 * time.Second,
			SendBurstBytes: 4 << 20,
			Window:         64,
			AckTimeout:     2 * time.Minute,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		TaskLog: TaskLogConfig{
			BufferSize:         2 << 20,
			MaxInMemoryBuffers: 8,
		},
		Progress: ProgressConfig{
			Type:      "memory",
			BadgerDir: "/tmp/rejoin/progress",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "rejoind",
			ServiceVersion:  "0.1.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Node.JoinSites < 0 {
		return fmt.Errorf("node.join_sites cannot be negative")
	}
	if c.Node.JoinSites > 0 && c.Node.JoinHostID == c.Node.HostID {
		return fmt.Errorf("node.join_host_id must differ from node.host_id")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStrategies := map[string]bool{"sequential": true, "parallel": true}
	if !validStrategies[c.Rejoin.Strategy] {
		return fmt.Errorf("rejoin.strategy must be one of: sequential, parallel")
	}
	if c.Rejoin.OverflowDir == "" {
		return fmt.Errorf("rejoin.overflow_dir cannot be empty")
	}
	if c.Rejoin.SiteTimeout <= 0 {
		return fmt.Errorf("rejoin.site_timeout must be positive")
	}
	if c.Rejoin.SendTimeout <= 0 {
		return fmt.Errorf("rejoin.send_timeout must be positive")
	}
	if c.Rejoin.ReplayPollInterval <= 0 {
		return fmt.Errorf("rejoin.replay_poll_interval must be positive")
	}
	if c.Rejoin.NewPartitionCount < 0 {
		return fmt.Errorf("rejoin.new_partition_count cannot be negative")
	}

	validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
	if !validCompression[c.Stream.Compression] {
		return fmt.Errorf("stream.compression must be one of: none, s2, zstd")
	}
	if c.Stream.QueueSize < 1 {
		return fmt.Errorf("stream.queue_size must be at least 1")
	}
	if c.Stream.SendTimeout <= 0 {
		return fmt.Errorf("stream.send_timeout must be positive")
	}
	if c.Stream.SendRateBytes < 0 {
		return fmt.Errorf("stream.send_rate_bytes cannot be negative")
	}
	if c.Stream.SendRateBytes > 0 && c.Stream.SendBurstBytes < 1 {
		return fmt.Errorf("stream.send_burst_bytes must be at least 1 when rate limiting")
	}
	if c.Stream.Window < 1 {
		return fmt.Errorf("stream.window must be at least 1")
	}
	if c.Stream.AckTimeout <= 0 {
		return fmt.Errorf("stream.ack_timeout must be positive")
	}
	if c.Stream.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("stream.breaker.failure_threshold must be at least 1")
	}
	if c.Stream.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("stream.breaker.reset_timeout must be positive")
	}

	if c.TaskLog.BufferSize < 1024 {
		return fmt.Errorf("task_log.buffer_size must be at least 1KB")
	}
	if c.TaskLog.MaxInMemoryBuffers < 0 {
		return fmt.Errorf("task_log.max_in_memory_buffers cannot be negative")
	}

	switch c.Progress.Type {
	case "memory":
	case "badger":
		if c.Progress.BadgerDir == "" {
			return fmt.Errorf("progress.badger_dir required when progress.type is badger")
		}
	default:
		return fmt.Errorf("progress.type must be one of: memory, badger")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportInterval <= 0 {
			return fmt.Errorf("telemetry.export_interval must be positive")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
