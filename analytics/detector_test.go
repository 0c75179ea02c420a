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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

func openTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	cat, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func seedBaseline(t *testing.T, store *storage.SQLiteAdapter, entityType, entityID, metric string, hour, dow int, mean, stddev float64, samples int) {
	t.Helper()
	err := store.ExecuteWrite(context.Background(),
		"INSERT INTO baselines (entity_type, entity_id, metric_name, hour_of_day, day_of_week, mean, stddev, sample_count, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		[]storage.Param{
			storage.String(entityType), storage.String(entityID), storage.String(metric),
			storage.UInt32(uint32(hour)), storage.UInt32(uint32(dow)),
			storage.Float64(mean), storage.Float64(stddev), storage.UInt32(uint32(samples)),
			storage.DateTime(time.Now().UTC()),
		})
	require.NoError(t, err)
}

func newTestDetector(t *testing.T, store *storage.SQLiteAdapter) *Detector {
	t.Helper()
	b := NewBaseliner(store, 14, 5, logs.Discard())
	return NewDetector(store, b, openTestCatalog(t), logs.Discard())
}

func TestDetectorSpike(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	// Tuesday 12:30 UTC. Baseline says ~5 events this hour-of-week.
	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	seedBaseline(t, store, EntityHost, "web-01", MetricEventCount, 12, 2, 5, 2, 10)
	seedBaseline(t, store, EntityHost, "web-01", MetricErrorCount, 12, 2, 0, 0, 10)
	insertHourly(t, store, "web-01", now.Add(-30*time.Minute), 50, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, TypeSpike, a.Type)
	assert.Equal(t, EntityHost, a.EntityType)
	assert.Equal(t, "web-01", a.EntityID)
	assert.Equal(t, MetricEventCount, a.Metric)
	assert.InDelta(t, 50, a.Observed, 1e-9)
	assert.InDelta(t, 5, a.Expected, 1e-9)
	assert.InDelta(t, 22.5, a.Deviation, 1e-9) // (50-5)/2
	assert.Equal(t, 60, a.RiskScore)           // saturated base
	assert.Equal(t, "high", a.Severity)
	assert.NotEmpty(t, a.RelatedLogs)
	assert.LessOrEqual(t, len(a.RelatedLogs), relatedLogsLimit)
}

func TestDetectorDrop(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	seedBaseline(t, store, EntityHost, "web-01", MetricEventCount, 12, 2, 100, 10, 10)
	seedBaseline(t, store, EntityHost, "web-01", MetricErrorCount, 12, 2, 0, 0, 10)
	insertHourly(t, store, "web-01", now.Add(-30*time.Minute), 5, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, TypeDrop, found[0].Type)
	assert.InDelta(t, -9.5, found[0].Deviation, 1e-9)
}

func TestDetectorUntrustedBaselineStaysQuiet(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	// sample_count below minSamples: the cell exists but is untrusted.
	seedBaseline(t, store, EntityHost, "web-01", MetricEventCount, 12, 2, 5, 2, 2)
	seedBaseline(t, store, EntityHost, "web-01", MetricErrorCount, 12, 2, 0, 0, 2)
	insertHourly(t, store, "web-01", now.Add(-30*time.Minute), 50, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectorNewBehavior(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	// First-ever events for this host, no baselines at all.
	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	insertHourly(t, store, "intruder", now.Add(-30*time.Minute), 3, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, TypeNewBehavior, a.Type)
	assert.Equal(t, "intruder", a.EntityID)
	assert.Equal(t, 27, a.RiskScore) // 45 * 0.6 * 1.0
	assert.Equal(t, "low", a.Severity)
}

func TestDetectorTimeAnomalyOffHours(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	// Entity known for days, but never active at 23:00 — no baseline
	// cell for that hour.
	now := time.Date(2023, 10, 10, 23, 30, 0, 0, time.UTC)
	insertHourly(t, store, "web-01", now.Add(-72*time.Hour), 5, 6) // history
	insertHourly(t, store, "web-01", now.Add(-30*time.Minute), 4, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, TypeTimeAnomaly, a.Type)
	assert.Equal(t, 54, a.RiskScore) // 45 * 1.2 * 1.0
	assert.Equal(t, "medium", a.Severity)
	assert.Equal(t, "23", a.Context["hour"])
}

func TestDetectorQuietDuringBusinessHours(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	// Same shape as the time-anomaly case, but at 14:00.
	now := time.Date(2023, 10, 10, 14, 30, 0, 0, time.UTC)
	insertHourly(t, store, "web-01", now.Add(-72*time.Hour), 5, 6)
	insertHourly(t, store, "web-01", now.Add(-30*time.Minute), 4, 6)

	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectorFeedbackExcludesFromReporting(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	insertHourly(t, store, "intruder", now.Add(-30*time.Minute), 3, 6)
	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)

	since := now.Add(-24 * time.Hour)
	recent, err := det.Recent(context.Background(), since, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, found[0].ID, recent[0].ID)

	require.NoError(t, det.SetFeedback(context.Background(), found[0].ID, true))

	recent, err = det.Recent(context.Background(), since, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	counts, err := det.Summary(context.Background(), since)
	require.NoError(t, err)
	assert.Zero(t, counts["low"])
}

func TestDetectorPersistsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	det := newTestDetector(t, store)

	now := time.Date(2023, 10, 10, 12, 30, 0, 0, time.UTC)
	insertHourly(t, store, "intruder", now.Add(-30*time.Minute), 3, 6)
	found, err := det.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)

	recent, err := det.Recent(context.Background(), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, found[0].Type, recent[0].Type)
	assert.Equal(t, found[0].RiskScore, recent[0].RiskScore)
	assert.Equal(t, found[0].RelatedLogs, recent[0].RelatedLogs)
	assert.Equal(t, found[0].Context["hour"], recent[0].Context["hour"])
}
