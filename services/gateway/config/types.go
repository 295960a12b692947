// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
//
// Configuration comes from built-in defaults, an optional YAML file and
// INDEXGATE_* environment overrides, in that order. Durations are written
// as Go duration strings ("750ms", "1m").
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/AleutianAI/IndexGate/pkg/telemetry"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Engine    EngineConfig     `yaml:"engine"`
	Refresh   RefreshConfig    `yaml:"refresh"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener and the request limits.
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"min=1"`

	QueryTimeout   time.Duration `yaml:"query_timeout" validate:"gt=0"`
	RunPerfTimeout time.Duration `yaml:"run_perf_timeout" validate:"gt=0"`

	// RunPerfEvery is the token refill interval for POST /run-perf. Zero
	// disables the limiter.
	RunPerfEvery time.Duration `yaml:"run_perf_every" validate:"gte=0"`
	RunPerfBurst int           `yaml:"run_perf_burst" validate:"min=1"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// EngineConfig configures the supervised engine process.
type EngineConfig struct {
	Path string   `yaml:"path" validate:"required"`
	Args []string `yaml:"args"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`

	RestartDelay time.Duration `yaml:"restart_delay" validate:"gt=0"`
	StopGrace    time.Duration `yaml:"stop_grace" validate:"gt=0"`
	MaxLineBytes int           `yaml:"max_line_bytes" validate:"min=1024"`
	Stderr       string        `yaml:"stderr" validate:"oneof=inherit log"`
}

// RefreshConfig configures the debounced background benchmark refresh.
type RefreshConfig struct {
	Disabled bool          `yaml:"disabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SnapshotConfig locates the benchmark results file.
type SnapshotConfig struct {
	Path          string        `yaml:"path" validate:"required"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gt=0"`
}

// ArchiveConfig configures the snapshot history store.
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir" validate:"required_if=Enabled true"`
	MaxEntries int    `yaml:"max_entries" validate:"min=1"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
	Quiet  bool   `yaml:"quiet"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "indexgate"

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			MaxBodyBytes:    1 << 20,
			QueryTimeout:    15 * time.Second,
			RunPerfTimeout:  60 * time.Second,
			RunPerfEvery:    5 * time.Second,
			RunPerfBurst:    1,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Path:         "./server",
			RestartDelay: time.Second,
			StopGrace:    5 * time.Second,
			MaxLineBytes: 10 << 20,
			Stderr:       "inherit",
		},
		Refresh: RefreshConfig{
			Debounce: 750 * time.Millisecond,
			Timeout:  60 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Path:          "performance_results.json",
			Watch:         true,
			WatchDebounce: 100 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			MaxEntries: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: tel,
	}
}
