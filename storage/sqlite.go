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

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is the stored text form of all timestamps in the
// relational backend. UTC, millisecond precision, lexicographically
// ordered.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

// SQLiteAdapter is the embedded relational backend.
type SQLiteAdapter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the event store at path and ensures
// the schema. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteAdapter, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent flushers.
	db.SetMaxOpenConns(1)
	a := &SQLiteAdapter{db: db}
	for _, ddl := range relationalSchema {
		if err := a.ExecuteDDL(ctx, ddl); err != nil {
			db.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *SQLiteAdapter) Backend() Backend { return BackendRelational }

func (a *SQLiteAdapter) Close() error { return a.db.Close() }

// relationalArgs lowers typed params to driver values. DateTime
// params become sqliteTimeLayout text so comparisons against stored
// columns stay textual.
func relationalArgs(params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		if p.Type == TypeDateTime {
			out[i] = Param{Type: TypeString, Value: p.Value.(time.Time).UTC().Format(sqliteTimeLayout)}
			continue
		}
		out[i] = p
	}
	return out
}

func (a *SQLiteAdapter) ExecuteQuery(ctx context.Context, query string, params []Param) (*Result, error) {
	if err := checkParams(query, params); err != nil {
		return nil, &Error{Op: "query", Err: err}
	}
	stmt, args, err := expandArrayParams(query, relationalArgs(params))
	if err != nil {
		return nil, &Error{Op: "query", Err: err}
	}
	rows, err := a.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &Error{Op: "query", Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{Op: "query", Err: err}
	}
	result := &Result{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &Error{Op: "query", Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeSQLiteValue(raw[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "query", Err: err}
	}
	return result, nil
}

func normalizeSQLiteValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (a *SQLiteAdapter) ExecuteWrite(ctx context.Context, stmt string, params []Param) error {
	if err := checkParams(stmt, params); err != nil {
		return &Error{Op: "write", Err: err}
	}
	expanded, args, err := expandArrayParams(stmt, relationalArgs(params))
	if err != nil {
		return &Error{Op: "write", Err: err}
	}
	if _, err := a.db.ExecContext(ctx, expanded, args...); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (a *SQLiteAdapter) ExecuteDDL(ctx context.Context, ddl string) error {
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return &Error{Op: "ddl", Err: err}
	}
	return nil
}

const sqliteInsertEvent = `INSERT INTO events
	(timestamp, received_at, hostname, app_name, message, severity, facility, priority,
	 source_ip, source_port, protocol, index_name, raw, structured_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (a *SQLiteAdapter) InsertBatch(ctx context.Context, indexName string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "insert", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertEvent)
	if err != nil {
		return &Error{Op: "insert", Err: err}
	}
	defer stmt.Close()

	for _, e := range events {
		structured, err := json.Marshal(e.Structured)
		if err != nil {
			structured = []byte("{}")
		}
		var sourceIP any
		if e.SourceIP != nil {
			sourceIP = e.SourceIP.String()
		}
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp.UTC().Format(sqliteTimeLayout),
			e.ReceivedAt.UTC().Format(sqliteTimeLayout),
			e.Hostname,
			e.AppName,
			e.Message,
			e.Severity,
			e.Facility,
			e.Priority,
			sourceIP,
			e.SourcePort,
			e.Protocol,
			indexName,
			truncateRaw(e.Raw),
			string(structured),
		); err != nil {
			return &Error{Op: "insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "insert", Err: err}
	}
	return nil
}

func (a *SQLiteAdapter) DiscoverStructuredFields(ctx context.Context, window time.Duration, limit int) ([]FieldInfo, error) {
	if limit <= 0 {
		limit = defaultDiscoverySample
	}
	since := time.Now().UTC().Add(-window).Format(sqliteTimeLayout)
	rows, err := a.db.QueryContext(ctx,
		`SELECT structured_data FROM events WHERE timestamp >= ? ORDER BY random() LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, &Error{Op: "discover", Err: err}
	}
	defer rows.Close()

	acc := newFieldAccumulator()
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, &Error{Op: "discover", Err: err}
		}
		var structured map[string]string
		if err := json.Unmarshal([]byte(blob), &structured); err != nil {
			continue
		}
		acc.observe(structured)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "discover", Err: err}
	}
	return acc.fields(), nil
}
