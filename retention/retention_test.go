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

package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

func setup(t *testing.T) (*storage.SQLiteAdapter, *catalog.Store, *Enforcer) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	return store, cat, NewEnforcer(store, cat, logs.Discard())
}

func insertAt(t *testing.T, store *storage.SQLiteAdapter, index string, ts time.Time, n int) {
	t.Helper()
	events := make([]storage.Event, n)
	for i := range events {
		events[i] = storage.Event{
			Timestamp:  ts,
			ReceivedAt: ts,
			Hostname:   "h",
			Message:    "m",
			Severity:   6,
			Facility:   16,
			Priority:   134,
			IndexName:  index,
			Raw:        "m",
		}
	}
	require.NoError(t, store.InsertBatch(context.Background(), index, events))
}

func countIndex(t *testing.T, store *storage.SQLiteAdapter, index string) int {
	t.Helper()
	res, err := store.ExecuteQuery(context.Background(),
		"SELECT COUNT(*) AS n FROM events WHERE index_name = ?",
		[]storage.Param{storage.String(index)})
	require.NoError(t, err)
	switch v := res.Rows[0]["n"].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

func TestSweepDeletesExpiredOnly(t *testing.T) {
	store, cat, enforcer := setup(t)
	ctx := context.Background()

	_, err := cat.EnsureIndex(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, cat.SetRetention(ctx, "web", 7))

	now := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)
	insertAt(t, store, "web", now.Add(-10*24*time.Hour), 3) // expired
	insertAt(t, store, "web", now.Add(-2*24*time.Hour), 2)  // kept

	require.NoError(t, enforcer.Sweep(ctx, now))
	assert.Equal(t, 2, countIndex(t, store, "web"))

	// Idempotent: a second sweep removes nothing further.
	require.NoError(t, enforcer.Sweep(ctx, now))
	assert.Equal(t, 2, countIndex(t, store, "web"))
}

func TestSweepIsPerIndex(t *testing.T) {
	store, cat, enforcer := setup(t)
	ctx := context.Background()

	_, err := cat.EnsureIndex(ctx, "short")
	require.NoError(t, err)
	require.NoError(t, cat.SetRetention(ctx, "short", 1))
	_, err = cat.EnsureIndex(ctx, "long")
	require.NoError(t, err)
	require.NoError(t, cat.SetRetention(ctx, "long", 90))

	now := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-3 * 24 * time.Hour)
	insertAt(t, store, "short", old, 4)
	insertAt(t, store, "long", old, 4)

	require.NoError(t, enforcer.Sweep(ctx, now))
	assert.Equal(t, 0, countIndex(t, store, "short"))
	assert.Equal(t, 4, countIndex(t, store, "long"))
}

func TestSweepSkipsUnknownIndexData(t *testing.T) {
	store, cat, enforcer := setup(t)
	ctx := context.Background()

	// Data in an index the catalog does not know about is untouched;
	// retention is driven by catalog rows only.
	now := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)
	insertAt(t, store, "orphan", now.Add(-400*24*time.Hour), 2)

	require.NoError(t, enforcer.Sweep(ctx, now))
	assert.Equal(t, 2, countIndex(t, store, "orphan"))
	_ = cat
}

func TestBeginEndSerializesPerIndex(t *testing.T) {
	_, _, enforcer := setup(t)

	require.True(t, enforcer.begin("web"))
	assert.False(t, enforcer.begin("web"))
	assert.True(t, enforcer.begin("db"))
	enforcer.end("web")
	assert.True(t, enforcer.begin("web"))
}
