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

package storage

// Column names and semantics are the public contract; the concrete
// DDL per dialect is an implementation artifact.

var columnarSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		timestamp       DateTime64(3),
		received_at     DateTime64(3),
		hostname        LowCardinality(String),
		app_name        LowCardinality(String),
		message         String,
		severity        UInt8,
		facility        UInt8,
		priority        UInt8,
		source_ip       Nullable(IPv6),
		source_port     UInt16,
		protocol        LowCardinality(String),
		index_name      LowCardinality(String),
		raw             String,
		structured_data Map(String, String)
	) ENGINE = MergeTree
	PARTITION BY toDate(timestamp)
	ORDER BY (index_name, timestamp)`,

	`CREATE TABLE IF NOT EXISTS baselines (
		entity_type  LowCardinality(String),
		entity_id    String,
		metric_name  LowCardinality(String),
		hour_of_day  UInt8,
		day_of_week  UInt8,
		mean         Float64,
		stddev       Float64,
		sample_count UInt32,
		updated_at   DateTime
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (entity_type, entity_id, metric_name, hour_of_day, day_of_week)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
		id                String,
		timestamp         DateTime64(3),
		entity_type       LowCardinality(String),
		entity_id         String,
		anomaly_type      LowCardinality(String),
		metric_name       LowCardinality(String),
		observed          Float64,
		expected          Float64,
		deviation_score   Float64,
		risk_score        UInt8,
		severity          LowCardinality(String),
		related_logs      String,
		context           String,
		is_false_positive UInt8 DEFAULT 0,
		feedback_at       Nullable(DateTime)
	) ENGINE = MergeTree
	ORDER BY (timestamp, entity_type, entity_id)`,
}

// The relational dialect stores timestamps as UTC text in
// sqliteTimeLayout so that lexicographic comparison and strftime
// agree, and structured_data as a JSON object of flattened keys.
var relationalSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		timestamp       TEXT NOT NULL,
		received_at     TEXT NOT NULL,
		hostname        TEXT NOT NULL DEFAULT '',
		app_name        TEXT NOT NULL DEFAULT '',
		message         TEXT NOT NULL DEFAULT '',
		severity        INTEGER NOT NULL,
		facility        INTEGER NOT NULL,
		priority        INTEGER NOT NULL,
		source_ip       TEXT,
		source_port     INTEGER,
		protocol        TEXT NOT NULL DEFAULT '',
		index_name      TEXT NOT NULL DEFAULT 'default',
		raw             TEXT NOT NULL DEFAULT '',
		structured_data TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_index_time ON events (index_name, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_hostname ON events (hostname)`,

	`CREATE TABLE IF NOT EXISTS baselines (
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		metric_name  TEXT NOT NULL,
		hour_of_day  INTEGER NOT NULL,
		day_of_week  INTEGER NOT NULL,
		mean         REAL NOT NULL,
		stddev       REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, metric_name, hour_of_day, day_of_week)
	)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		entity_type       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		anomaly_type      TEXT NOT NULL,
		metric_name       TEXT NOT NULL,
		observed          REAL NOT NULL,
		expected          REAL NOT NULL,
		deviation_score   REAL NOT NULL,
		risk_score        INTEGER NOT NULL,
		severity          TEXT NOT NULL,
		related_logs      TEXT NOT NULL DEFAULT '[]',
		context           TEXT NOT NULL DEFAULT '',
		is_false_positive INTEGER NOT NULL DEFAULT 0,
		feedback_at       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_time ON anomalies (timestamp)`,
}
