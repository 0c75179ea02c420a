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

// Package storage owns the event warehouse. Two adapters share one
// interface: a ClickHouse columnar backend and an embedded SQLite
// backend. Everything above this package talks SQL with typed,
// positional parameters; string interpolation of user data is never
// permitted and the adapters enforce parameter arity before touching
// the wire.
package storage

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Backend tags the dialect an adapter speaks.
type Backend string

const (
	BackendColumnar   Backend = "columnar"
	BackendRelational Backend = "relational"
)

// MaxRawBytes truncates the stored raw frame.
const MaxRawBytes = 64 * 1024

// Event is one ingested log event. Events are immutable once
// produced by ingestion; nothing outside this package holds a
// long-lived reference to a raw row.
type Event struct {
	Timestamp  time.Time
	ReceivedAt time.Time
	Hostname   string
	AppName    string
	Message    string
	Severity   uint8 // 0..7
	Facility   uint8 // 0..23
	Priority   uint8 // facility*8 + severity
	SourceIP   *netip.Addr
	SourcePort uint16
	Protocol   string
	IndexName  string
	Raw        string
	Structured map[string]string
}

// ParamType is the declared type of a bound query parameter.
type ParamType int

const (
	TypeString ParamType = iota
	TypeUInt32
	TypeInt32
	TypeFloat64
	TypeArrayString
	TypeDateTime
)

func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeUInt32:
		return "UInt32"
	case TypeInt32:
		return "Int32"
	case TypeFloat64:
		return "Float64"
	case TypeArrayString:
		return "Array(String)"
	case TypeDateTime:
		return "DateTime"
	}
	return "unknown"
}

// Param is a typed query parameter.
type Param struct {
	Type  ParamType
	Value any
}

func String(v string) Param     { return Param{Type: TypeString, Value: v} }
func UInt32(v uint32) Param     { return Param{Type: TypeUInt32, Value: v} }
func Int32(v int32) Param       { return Param{Type: TypeInt32, Value: v} }
func Float64(v float64) Param   { return Param{Type: TypeFloat64, Value: v} }
func Strings(v []string) Param  { return Param{Type: TypeArrayString, Value: v} }
func DateTime(v time.Time) Param {
	return Param{Type: TypeDateTime, Value: v.UTC()}
}

// Result is a materialized query result. Columns preserves the
// projection order; Rows index values by column name.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// FieldInfo describes one discovered structured field.
type FieldInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // number, datetime, boolean, string
	Occurrences int      `json:"occurrences"`
	Samples     []string `json:"samples"`
}

// Error wraps a backend failure. Read errors surface verbatim to the
// caller; write errors are retried by ingestion.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Adapter is the capability surface of a warehouse backend.
type Adapter interface {
	Backend() Backend

	// ExecuteQuery runs a parameterized read.
	ExecuteQuery(ctx context.Context, sql string, params []Param) (*Result, error)

	// ExecuteWrite runs a parameterized mutation (baseline and anomaly
	// upkeep, feedback updates, retention deletes).
	ExecuteWrite(ctx context.Context, sql string, params []Param) error

	// InsertBatch writes one ingestion batch for a single index.
	// A successful return means every event in the batch is visible
	// to subsequent queries.
	InsertBatch(ctx context.Context, indexName string, events []Event) error

	// ExecuteDDL runs schema statements.
	ExecuteDDL(ctx context.Context, sql string) error

	// DiscoverStructuredFields samples recent events and reports the
	// structured fields seen, most frequent first.
	DiscoverStructuredFields(ctx context.Context, window time.Duration, limit int) ([]FieldInfo, error)

	Close() error
}

// checkParams verifies placeholder arity and value types before a
// statement reaches the driver. Both dialects use '?' placeholders;
// question marks inside quoted literals do not count (the planner
// never emits any, but DDL helpers may).
func checkParams(sql string, params []Param) error {
	want := countPlaceholders(sql)
	if want != len(params) {
		return fmt.Errorf("parameter arity mismatch: statement has %d placeholders, got %d values", want, len(params))
	}
	for i, p := range params {
		if !paramTypeOK(p) {
			return fmt.Errorf("parameter %d: value %T does not match declared type %s", i, p.Value, p.Type)
		}
	}
	return nil
}

func countPlaceholders(sql string) int {
	count := 0
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			inString = !inString
			continue
		}
		if c == '?' && !inString {
			count++
		}
	}
	return count
}

func paramTypeOK(p Param) bool {
	switch p.Type {
	case TypeString:
		_, ok := p.Value.(string)
		return ok
	case TypeUInt32:
		_, ok := p.Value.(uint32)
		return ok
	case TypeInt32:
		_, ok := p.Value.(int32)
		return ok
	case TypeFloat64:
		_, ok := p.Value.(float64)
		return ok
	case TypeArrayString:
		_, ok := p.Value.([]string)
		return ok
	case TypeDateTime:
		_, ok := p.Value.(time.Time)
		return ok
	}
	return false
}

// rawValues unwraps params for a driver call.
func rawValues(params []Param) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// truncateRaw bounds the stored raw frame.
func truncateRaw(raw string) string {
	if len(raw) > MaxRawBytes {
		return raw[:MaxRawBytes]
	}
	return raw
}

// expandArrayParams rewrites a statement for drivers without native
// array binding: each Array(String) placeholder becomes a '?' list of
// the element count. Used by the relational adapter.
func expandArrayParams(sql string, params []Param) (string, []any, error) {
	var out strings.Builder
	values := make([]any, 0, len(params))
	idx := 0
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			inString = !inString
		}
		if c != '?' || inString {
			out.WriteByte(c)
			continue
		}
		if idx >= len(params) {
			return "", nil, fmt.Errorf("placeholder %d has no parameter", idx)
		}
		p := params[idx]
		idx++
		if p.Type == TypeArrayString {
			elems := p.Value.([]string)
			marks := make([]string, len(elems))
			for j, e := range elems {
				marks[j] = "?"
				values = append(values, e)
			}
			out.WriteString(strings.Join(marks, ", "))
			continue
		}
		out.WriteByte('?')
		values = append(values, p.Value)
	}
	return out.String(), values, nil
}
