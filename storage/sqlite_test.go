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
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	a, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testEvent(hostname string, severity uint8, ts time.Time) Event {
	ip := netip.MustParseAddr("10.0.0.1")
	return Event{
		Timestamp:  ts,
		ReceivedAt: ts,
		Hostname:   hostname,
		AppName:    "nginx",
		Message:    "request handled",
		Severity:   severity,
		Facility:   16,
		Priority:   16*8 + severity,
		SourceIP:   &ip,
		SourcePort: 51423,
		Protocol:   "udp",
		IndexName:  "default",
		Raw:        "<134>raw frame",
		Structured: map[string]string{"status": "200"},
	}
}

func TestSQLiteInsertAndQuery(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	ts := time.Date(2023, 10, 10, 13, 0, 0, 0, time.UTC)

	events := []Event{
		testEvent("web-01", 3, ts),
		testEvent("web-01", 4, ts.Add(time.Minute)),
		testEvent("db", 2, ts.Add(2*time.Minute)),
	}
	require.NoError(t, a.InsertBatch(ctx, "default", events))

	res, err := a.ExecuteQuery(ctx,
		`SELECT count(*) AS count FROM events WHERE hostname = ? AND severity <= ?`,
		[]Param{String("web-01"), UInt32(3)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0]["count"])
}

func TestSQLiteBatchVisibleAtomically(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	var events []Event
	for i := 0; i < 50; i++ {
		events = append(events, testEvent("host", 6, ts))
	}
	require.NoError(t, a.InsertBatch(ctx, "default", events))

	res, err := a.ExecuteQuery(ctx, `SELECT count(*) AS n FROM events`, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.Rows[0]["n"])
}

func TestSQLiteRawTruncation(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	e := testEvent("web-01", 5, time.Now().UTC())
	e.Raw = strings.Repeat("a", MaxRawBytes+100)
	require.NoError(t, a.InsertBatch(ctx, "default", []Event{e}))

	res, err := a.ExecuteQuery(ctx, `SELECT length(raw) AS n FROM events`, nil)
	require.NoError(t, err)
	assert.EqualValues(t, MaxRawBytes, res.Rows[0]["n"])
}

func TestSQLiteRejectsParamMismatch(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.ExecuteQuery(context.Background(),
		`SELECT * FROM events WHERE hostname = ?`, nil)
	assert.ErrorContains(t, err, "arity mismatch")
}

func TestSQLiteDiscoverStructuredFields(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	for i := 0; i < 3; i++ {
		e := testEvent("web-01", 6, ts)
		e.Structured = map[string]string{"status": "200", "latency_ms": "12.5"}
		require.NoError(t, a.InsertBatch(ctx, "default", []Event{e}))
	}

	fields, err := a.DiscoverStructuredFields(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "latency_ms", fields[0].Name) // tie broken by name
	assert.Equal(t, "number", fields[0].Type)
	assert.Equal(t, 3, fields[0].Occurrences)
}
