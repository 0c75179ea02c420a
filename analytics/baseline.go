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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/planner"
	"github.com/machine-king-labs/lognog/storage"
)

// Metrics baselined per entity.
const (
	MetricEventCount = "event_count"
	MetricErrorCount = "error_count" // severity <= 3
)

var metricNames = []string{MetricEventCount, MetricErrorCount}

var entityTypes = []string{EntityHost, EntityApp, EntityIP, EntityUser}

// Baseline is the historical profile of one entity metric in one
// hour-of-week cell.
type Baseline struct {
	Mean        float64
	Stddev      float64
	SampleCount int
}

// Deviation is the z-score of x against b. The stddev floor keeps
// low-variance series from turning every blip into a huge score.
func Deviation(x float64, b Baseline) float64 {
	floor := math.Max(1, 0.1*b.Mean)
	return (x - b.Mean) / math.Max(b.Stddev, floor)
}

// Baseliner rebuilds the hour-of-week profiles from the event store.
type Baseliner struct {
	store      storage.Adapter
	d          planner.Dialect
	window     time.Duration
	minSamples int
	log        logs.StructuredLogger
}

func NewBaseliner(store storage.Adapter, windowDays, minSamples int, log logs.StructuredLogger) *Baseliner {
	return &Baseliner{
		store:      store,
		d:          planner.DialectFor(store.Backend()),
		window:     time.Duration(windowDays) * 24 * time.Hour,
		minSamples: minSamples,
		log:        log.With("component", "baseline"),
	}
}

// entityRef addresses one entity type in SQL, normalized to '' when
// absent so the non-empty filter works on both backends.
func entityRef(d planner.Dialect, entityType string) string {
	switch entityType {
	case EntityHost:
		return "hostname"
	case EntityApp:
		return "app_name"
	case EntityIP:
		if d.Backend() == storage.BackendColumnar {
			return "coalesce(toString(source_ip), '')"
		}
		return "COALESCE(source_ip, '')"
	default: // user comes from extraction
		ref := d.ColumnRef("user")
		if d.Backend() == storage.BackendColumnar {
			return ref // map access already defaults to ''
		}
		return fmt.Sprintf("COALESCE(%s, '')", ref)
	}
}

type cellKey struct {
	entityType string
	entityID   string
	metric     string
	hour       int
	dow        int
}

type cellAcc struct {
	n    int
	sum  float64
	sum2 float64
}

// Rebuild recomputes every baseline cell over the training window and
// replaces the stored set. Full rebuild keeps the math trivially
// correct; the window is small enough that incremental updates are
// not worth their failure modes.
func (b *Baseliner) Rebuild(ctx context.Context, now time.Time) error {
	since := now.Add(-b.window)
	cells := map[cellKey]*cellAcc{}

	for _, entityType := range entityTypes {
		ref := entityRef(b.d, entityType)
		sql := fmt.Sprintf(
			"SELECT %s AS entity_id, %s AS hour_start, COUNT(*) AS total, %s AS errors "+
				"FROM events WHERE timestamp >= ? AND timestamp < ? AND %s != '' "+
				"GROUP BY entity_id, hour_start",
			ref, b.d.TimeBucket(time.Hour), b.d.CountIf("severity <= 3"), ref)
		res, err := b.store.ExecuteQuery(ctx, sql, []storage.Param{
			storage.DateTime(since), storage.DateTime(now),
		})
		if err != nil {
			return fmt.Errorf("baseline scan %s: %w", entityType, err)
		}
		for _, row := range res.Rows {
			bucket, ok := asTime(row["hour_start"])
			if !ok {
				continue
			}
			entityID, _ := row["entity_id"].(string)
			if entityID == "" {
				continue
			}
			observe(cells, cellKey{entityType, entityID, MetricEventCount, bucket.Hour(), int(bucket.Weekday())}, asFloat(row["total"]))
			observe(cells, cellKey{entityType, entityID, MetricErrorCount, bucket.Hour(), int(bucket.Weekday())}, asFloat(row["errors"]))
		}
	}

	if err := b.clear(ctx); err != nil {
		return fmt.Errorf("baseline clear: %w", err)
	}
	if err := b.insert(ctx, cells, now); err != nil {
		return fmt.Errorf("baseline insert: %w", err)
	}
	b.log.Infof("rebuilt %d baseline cells over %s window", len(cells), b.window)
	return nil
}

func observe(cells map[cellKey]*cellAcc, key cellKey, x float64) {
	acc := cells[key]
	if acc == nil {
		acc = &cellAcc{}
		cells[key] = acc
	}
	acc.n++
	acc.sum += x
	acc.sum2 += x * x
}

func (acc *cellAcc) baseline() Baseline {
	mean := acc.sum / float64(acc.n)
	stddev := 0.0
	if acc.n >= 2 {
		stddev = math.Sqrt(math.Max(acc.sum2/float64(acc.n)-mean*mean, 0))
	}
	return Baseline{Mean: mean, Stddev: stddev, SampleCount: acc.n}
}

func (b *Baseliner) clear(ctx context.Context) error {
	if b.d.Backend() == storage.BackendColumnar {
		return b.store.ExecuteDDL(ctx, "TRUNCATE TABLE baselines")
	}
	return b.store.ExecuteWrite(ctx, "DELETE FROM baselines", nil)
}

const insertChunk = 500

func (b *Baseliner) insert(ctx context.Context, cells map[cellKey]*cellAcc, now time.Time) error {
	keys := make([]cellKey, 0, len(cells))
	for key := range cells {
		keys = append(keys, key)
	}

	for start := 0; start < len(keys); start += insertChunk {
		end := start + insertChunk
		if end > len(keys) {
			end = len(keys)
		}
		var values []string
		var params []storage.Param
		for _, key := range keys[start:end] {
			bl := cells[key].baseline()
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			params = append(params,
				storage.String(key.entityType),
				storage.String(key.entityID),
				storage.String(key.metric),
				storage.UInt32(uint32(key.hour)),
				storage.UInt32(uint32(key.dow)),
				storage.Float64(bl.Mean),
				storage.Float64(bl.Stddev),
				storage.UInt32(uint32(cells[key].n)),
				storage.DateTime(now),
			)
		}
		sql := "INSERT INTO baselines (entity_type, entity_id, metric_name, hour_of_day, day_of_week, mean, stddev, sample_count, updated_at) VALUES " +
			strings.Join(values, ", ")
		if err := b.store.ExecuteWrite(ctx, sql, params); err != nil {
			return err
		}
	}
	return nil
}

// Expected returns the baseline for an observation at t: the exact
// hour-of-week cell when present, otherwise the pooled aggregate over
// every cell for the entity, otherwise nil (no baseline, no
// detection).
func (b *Baseliner) Expected(ctx context.Context, entityType, entityID, metric string, t time.Time) (*Baseline, error) {
	t = t.UTC()
	res, err := b.store.ExecuteQuery(ctx,
		"SELECT mean, stddev, sample_count FROM baselines WHERE entity_type = ? AND entity_id = ? AND metric_name = ? AND hour_of_day = ? AND day_of_week = ?",
		[]storage.Param{
			storage.String(entityType), storage.String(entityID), storage.String(metric),
			storage.UInt32(uint32(t.Hour())), storage.UInt32(uint32(t.Weekday())),
		})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) > 0 {
		bl := rowBaseline(res.Rows[0])
		return &bl, nil
	}

	res, err = b.store.ExecuteQuery(ctx,
		"SELECT mean, stddev, sample_count FROM baselines WHERE entity_type = ? AND entity_id = ? AND metric_name = ?",
		[]storage.Param{storage.String(entityType), storage.String(entityID), storage.String(metric)})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	pooled := poolCells(res.Rows)
	return &pooled, nil
}

// HasTrustedCell reports whether any metric has a trusted baseline for
// the entity at this hour-of-week.
func (b *Baseliner) HasTrustedCell(ctx context.Context, entityType, entityID string, t time.Time) (bool, error) {
	t = t.UTC()
	res, err := b.store.ExecuteQuery(ctx,
		"SELECT 1 AS present FROM baselines WHERE entity_type = ? AND entity_id = ? AND hour_of_day = ? AND day_of_week = ? AND sample_count >= ? LIMIT 1",
		[]storage.Param{
			storage.String(entityType), storage.String(entityID),
			storage.UInt32(uint32(t.Hour())), storage.UInt32(uint32(t.Weekday())),
			storage.UInt32(uint32(b.minSamples)),
		})
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

func rowBaseline(row map[string]any) Baseline {
	return Baseline{
		Mean:        asFloat(row["mean"]),
		Stddev:      asFloat(row["stddev"]),
		SampleCount: int(asFloat(row["sample_count"])),
	}
}

// poolCells merges hour-of-week cells into one entity-wide baseline:
// sample-weighted mean and pooled population stddev.
func poolCells(rows []map[string]any) Baseline {
	var n float64
	var sum, sum2 float64
	for _, row := range rows {
		bl := rowBaseline(row)
		w := float64(bl.SampleCount)
		n += w
		sum += bl.Mean * w
		sum2 += (bl.Stddev*bl.Stddev + bl.Mean*bl.Mean) * w
	}
	if n == 0 {
		return Baseline{}
	}
	mean := sum / n
	return Baseline{
		Mean:        mean,
		Stddev:      math.Sqrt(math.Max(sum2/n-mean*mean, 0)),
		SampleCount: int(n),
	}
}

// asFloat converts driver-dependent numeric representations.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case uint64:
		return float64(x)
	case uint32:
		return float64(x)
	case uint8:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04:05.000", time.RFC3339Nano}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
