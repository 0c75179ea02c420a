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

// Package catalog is the metadata store: indexes and their retention,
// saved searches, dashboards, annotations, field preferences and
// extraction patterns. It always lives in SQLite regardless of the
// event-store backend.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05.000"

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("catalog: not found")

const (
	DefaultRetentionDays = 90
	MinRetentionDays     = 1
	MaxRetentionDays     = 365
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS indexes (
		name           TEXT PRIMARY KEY,
		retention_days INTEGER NOT NULL DEFAULT 90,
		created_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS saved_searches (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		query      TEXT NOT NULL,
		earliest   TEXT NOT NULL DEFAULT '',
		latest     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dashboards (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dashboard_panels (
		id           TEXT PRIMARY KEY,
		dashboard_id TEXT NOT NULL REFERENCES dashboards(id) ON DELETE CASCADE,
		title        TEXT NOT NULL,
		query        TEXT NOT NULL,
		viz_type     TEXT NOT NULL DEFAULT 'table',
		position     INTEGER NOT NULL DEFAULT 0,
		options      TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS dashboard_variables (
		id            TEXT PRIMARY KEY,
		dashboard_id  TEXT NOT NULL REFERENCES dashboards(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		query         TEXT NOT NULL DEFAULT '',
		default_value TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		id         TEXT PRIMARY KEY,
		start_time TEXT NOT NULL,
		end_time   TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS field_preferences (
		index_name    TEXT NOT NULL,
		field         TEXT NOT NULL,
		display_order INTEGER NOT NULL DEFAULT 0,
		visible       INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (index_name, field)
	)`,
	`CREATE TABLE IF NOT EXISTS extraction_patterns (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		pattern    TEXT NOT NULL,
		field      TEXT NOT NULL DEFAULT 'message',
		priority   INTEGER NOT NULL DEFAULT 0,
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS anomaly_feedback (
		anomaly_id TEXT PRIMARY KEY,
		verdict    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

// Store wraps the catalog database.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the catalog at path. ":memory:" works for
// tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowText() string { return time.Now().UTC().Format(timeLayout) }

func notFoundOr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("catalog %s: %w", op, err)
}
