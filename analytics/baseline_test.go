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

package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

func openTestStore(t *testing.T) *storage.SQLiteAdapter {
	t.Helper()
	a, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func hostEvent(hostname string, severity uint8, ts time.Time) storage.Event {
	return storage.Event{
		Timestamp:  ts,
		ReceivedAt: ts,
		Hostname:   hostname,
		Message:    "request handled",
		Severity:   severity,
		Facility:   16,
		Priority:   16*8 + severity,
		IndexName:  "default",
		Raw:        "raw",
	}
}

func insertHourly(t *testing.T, store *storage.SQLiteAdapter, hostname string, hour time.Time, count int, severity uint8) {
	t.Helper()
	events := make([]storage.Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, hostEvent(hostname, severity, hour.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, store.InsertBatch(context.Background(), "default", events))
}

func TestBaselineRebuildAndLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Two observations of the same hour-of-week cell, one week apart:
	// 4 and 8 events at 10:00 on a Tuesday.
	week1 := time.Date(2023, 10, 3, 10, 0, 0, 0, time.UTC)
	week2 := time.Date(2023, 10, 10, 10, 0, 0, 0, time.UTC)
	insertHourly(t, store, "web-01", week1, 4, 6)
	insertHourly(t, store, "web-01", week2, 8, 6)

	b := NewBaseliner(store, 14, 5, logs.Discard())
	now := time.Date(2023, 10, 10, 23, 0, 0, 0, time.UTC)
	require.NoError(t, b.Rebuild(ctx, now))

	// Exact cell: mean 6, population stddev 2, n=2.
	at := time.Date(2023, 10, 17, 10, 30, 0, 0, time.UTC) // Tuesday 10:xx
	bl, err := b.Expected(ctx, EntityHost, "web-01", MetricEventCount, at)
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.InDelta(t, 6, bl.Mean, 1e-9)
	assert.InDelta(t, 2, bl.Stddev, 1e-9)
	assert.Equal(t, 2, bl.SampleCount)

	// No cell at this hour: falls back to the entity-wide aggregate.
	off := time.Date(2023, 10, 17, 3, 0, 0, 0, time.UTC)
	bl, err = b.Expected(ctx, EntityHost, "web-01", MetricEventCount, off)
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.InDelta(t, 6, bl.Mean, 1e-9)

	// Unknown entity: no baseline at all.
	bl, err = b.Expected(ctx, EntityHost, "nobody", MetricEventCount, at)
	require.NoError(t, err)
	assert.Nil(t, bl)
}

func TestBaselineErrorMetricCountsLowSeverity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hour := time.Date(2023, 10, 10, 9, 0, 0, 0, time.UTC)
	insertHourly(t, store, "db-01", hour, 5, 6) // info, not errors
	insertHourly(t, store, "db-01", hour, 3, 2) // crit, counted

	b := NewBaseliner(store, 14, 5, logs.Discard())
	require.NoError(t, b.Rebuild(ctx, hour.Add(2*time.Hour)))

	bl, err := b.Expected(ctx, EntityHost, "db-01", MetricErrorCount, hour)
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.InDelta(t, 3, bl.Mean, 1e-9)
	assert.Equal(t, 1, bl.SampleCount)
}

func TestBaselineStddevSingleSampleIsZero(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hour := time.Date(2023, 10, 10, 9, 0, 0, 0, time.UTC)
	insertHourly(t, store, "solo", hour, 7, 6)

	b := NewBaseliner(store, 14, 5, logs.Discard())
	require.NoError(t, b.Rebuild(ctx, hour.Add(time.Hour)))

	bl, err := b.Expected(ctx, EntityHost, "solo", MetricEventCount, hour)
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.InDelta(t, 7, bl.Mean, 1e-9)
	assert.Zero(t, bl.Stddev)
}

func TestBaselineRebuildReplacesOldCells(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hour := time.Date(2023, 10, 10, 9, 0, 0, 0, time.UTC)
	insertHourly(t, store, "web-01", hour, 5, 6)

	b := NewBaseliner(store, 14, 5, logs.Discard())
	require.NoError(t, b.Rebuild(ctx, hour.Add(time.Hour)))

	// A later rebuild over a window that excludes the data leaves no
	// stale cells behind.
	require.NoError(t, b.Rebuild(ctx, hour.Add(30*24*time.Hour)))
	bl, err := b.Expected(ctx, EntityHost, "web-01", MetricEventCount, hour)
	require.NoError(t, err)
	assert.Nil(t, bl)
}

func TestPoolCells(t *testing.T) {
	pooled := poolCells([]map[string]any{
		{"mean": 10.0, "stddev": 0.0, "sample_count": int64(2)},
		{"mean": 20.0, "stddev": 0.0, "sample_count": int64(2)},
	})
	assert.InDelta(t, 15, pooled.Mean, 1e-9)
	assert.InDelta(t, 5, pooled.Stddev, 1e-9) // spread between cell means
	assert.Equal(t, 4, pooled.SampleCount)
}
