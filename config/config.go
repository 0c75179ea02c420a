// Copyright 2025 Machine King Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the server configuration file.
// Every knob has a default; an absent file yields a fully working
// single-node setup on the embedded backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Syslog    Syslog    `yaml:"syslog"`
	Ingest    Ingest    `yaml:"ingest"`
	Baseline  Baseline  `yaml:"baseline"`
	Retention Retention `yaml:"retention"`
	Logging   Logging   `yaml:"logging"`
}

type Server struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
	// DataDir holds the catalog database, the embedded event store
	// and log files.
	DataDir string `yaml:"data_dir" validate:"required"`
	// QueryTimeout bounds one search execution end to end.
	QueryTimeout time.Duration `yaml:"query_timeout" validate:"min=1s"`
}

type Storage struct {
	// Backend selects the event store: "relational" (embedded SQLite)
	// or "columnar" (ClickHouse).
	Backend string `yaml:"backend" validate:"oneof=relational columnar"`
	// ClickHouseDSN is required when backend is columnar.
	ClickHouseDSN string `yaml:"clickhouse_dsn" validate:"required_if=Backend columnar"`
}

type Syslog struct {
	UDPPort int `yaml:"udp_port" validate:"min=0,max=65535"`
	TCPPort int `yaml:"tcp_port" validate:"min=0,max=65535"`
	// BufferSize is the bounded intake queue between the listeners
	// and the batcher; overflow drops the oldest event.
	BufferSize int `yaml:"buffer_size" validate:"min=1"`
	// DefaultIndex receives events that do not select an index
	// themselves.
	DefaultIndex string `yaml:"default_index" validate:"required"`
}

type Ingest struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1,max=100000"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=1ms"`
	// Discovery bounds the structured-field discovery sample.
	DiscoveryWindow time.Duration `yaml:"discovery_window" validate:"min=1m"`
}

type Baseline struct {
	// WindowDays is the training window for behavioral baselines.
	WindowDays int `yaml:"window_days" validate:"min=1,max=90"`
	// Interval is how often baselines rebuild and the detector runs.
	Interval time.Duration `yaml:"interval" validate:"min=1m"`
	// MinSamples is the minimum observation count before a baseline
	// cell participates in detection.
	MinSamples int `yaml:"min_samples" validate:"min=1"`
}

type Retention struct {
	// Interval is how often the enforcement sweep runs.
	Interval time.Duration `yaml:"interval" validate:"min=1m"`
}

type Logging struct {
	// File is the server log path; empty logs to stderr.
	File string `yaml:"file"`
	// MaxSizeMB caps one log file before rotation.
	MaxSizeMB int `yaml:"max_size_mb" validate:"min=1"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:         4000,
			DataDir:      "/var/lib/lognog",
			QueryTimeout: 30 * time.Second,
		},
		Storage: Storage{Backend: "relational"},
		Syslog: Syslog{
			UDPPort:      5514,
			TCPPort:      5514,
			BufferSize:   10000,
			DefaultIndex: "default",
		},
		Ingest: Ingest{
			BatchSize:       1000,
			FlushInterval:   100 * time.Millisecond,
			DiscoveryWindow: 24 * time.Hour,
		},
		Baseline: Baseline{
			WindowDays: 14,
			Interval:   time.Hour,
			MinSamples: 5,
		},
		Retention: Retention{Interval: time.Hour},
		Logging:   Logging{MaxSizeMB: 100},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// a malformed or invalid one is.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, c, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parsing config: %s", yaml.FormatError(err, false, true))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field constraints declared on the struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("config: %s fails %q constraint", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CatalogPath is the metadata database (indexes, dashboards, saved
// searches, baselines bookkeeping).
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Server.DataDir, "lognog.db")
}

// EventStorePath is the embedded event database, used when the
// backend is relational.
func (c *Config) EventStorePath() string {
	return filepath.Join(c.Server.DataDir, "lognog-logs.db")
}

// LogPath is the server log file, defaulting into the data dir.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Server.DataDir, "lognog.log")
}
