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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/internal/set"
	"github.com/machine-king-labs/lognog/planner"
	"github.com/machine-king-labs/lognog/storage"
)

const (
	defaultSpikeThreshold = 3.0
	defaultDropThreshold  = -3.0
	offHoursStart         = 22 // inclusive
	offHoursEnd           = 6  // exclusive
	relatedLogsLimit      = 10
	relatedSnippetLen     = 500
	newBehaviorWindow     = 24 * time.Hour
	// syntheticDeviation stands in when an anomaly type has no
	// baseline to measure against (new_behavior, baseline-less
	// time_anomaly). Pinned to the spike threshold so the risk
	// formula treats novelty like a threshold-grade deviation.
	syntheticDeviation = 3.0
)

// Anomaly is one detection result as persisted.
type Anomaly struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Type        string            `json:"anomaly_type"`
	Metric      string            `json:"metric_name"`
	Observed    float64           `json:"observed"`
	Expected    float64           `json:"expected"`
	Deviation   float64           `json:"deviation_score"`
	RiskScore   int               `json:"risk_score"`
	Severity    string            `json:"severity"`
	RelatedLogs []string          `json:"related_logs"`
	Context     map[string]string `json:"context"`
}

// Detector runs the hourly anomaly pass against the baselines.
type Detector struct {
	store     storage.Adapter
	d         planner.Dialect
	baseliner *Baseliner
	catalog   *catalog.Store
	log       logs.StructuredLogger

	spikeThreshold float64
	dropThreshold  float64
}

func NewDetector(store storage.Adapter, baseliner *Baseliner, cat *catalog.Store, log logs.StructuredLogger) *Detector {
	return &Detector{
		store:          store,
		d:              planner.DialectFor(store.Backend()),
		baseliner:      baseliner,
		catalog:        cat,
		log:            log.With("component", "detector"),
		spikeThreshold: defaultSpikeThreshold,
		dropThreshold:  defaultDropThreshold,
	}
}

type observation struct {
	entityID  string
	total     float64
	errors    float64
	firstSeen time.Time
}

// Run examines the calendar hour containing now for every observed
// entity, persists the anomalies it finds and returns them. The
// window is hour-aligned because the baseline cells it compares
// against are calendar-hour aggregates; a sliding window would
// straddle two cells. Scheduled callers log the error and continue;
// partial work is resumed next tick.
func (det *Detector) Run(ctx context.Context, now time.Time) ([]Anomaly, error) {
	now = now.UTC()
	since := now.Truncate(time.Hour)
	until := since.Add(time.Hour)

	var found []Anomaly
	for _, entityType := range entityTypes {
		observations, err := det.observe(ctx, entityType, since, until)
		if err != nil {
			return found, err
		}
		for _, obs := range observations {
			anomalies, err := det.detect(ctx, entityType, obs, now)
			if err != nil {
				return found, err
			}
			found = append(found, anomalies...)
		}
	}

	if err := det.persist(ctx, found); err != nil {
		return found, err
	}
	det.log.Infof("anomaly pass complete: window=%s..%s anomalies=%d", since.Format(time.RFC3339), until.Format(time.RFC3339), len(found))
	return found, nil
}

// observe pulls the hour's activity per entity plus each entity's
// first appearance inside the training window (good enough for the
// 24h novelty test).
func (det *Detector) observe(ctx context.Context, entityType string, since, until time.Time) ([]observation, error) {
	ref := entityRef(det.d, entityType)
	sql := fmt.Sprintf(
		"SELECT %s AS entity_id, COUNT(*) AS total, %s AS errors FROM events "+
			"WHERE timestamp >= ? AND timestamp < ? AND %s != '' GROUP BY entity_id",
		ref, det.d.CountIf("severity <= 3"), ref)
	res, err := det.store.ExecuteQuery(ctx, sql, []storage.Param{
		storage.DateTime(since), storage.DateTime(until),
	})
	if err != nil {
		return nil, fmt.Errorf("detector scan %s: %w", entityType, err)
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}

	firstSeen, err := det.firstSeen(ctx, entityType, until)
	if err != nil {
		return nil, err
	}

	observations := make([]observation, 0, len(res.Rows))
	for _, row := range res.Rows {
		entityID, _ := row["entity_id"].(string)
		if entityID == "" {
			continue
		}
		observations = append(observations, observation{
			entityID:  entityID,
			total:     asFloat(row["total"]),
			errors:    asFloat(row["errors"]),
			firstSeen: firstSeen[entityID],
		})
	}
	return observations, nil
}

func (det *Detector) firstSeen(ctx context.Context, entityType string, until time.Time) (map[string]time.Time, error) {
	ref := entityRef(det.d, entityType)
	sql := fmt.Sprintf(
		"SELECT %s AS entity_id, MIN(timestamp) AS first_seen FROM events "+
			"WHERE timestamp >= ? AND %s != '' GROUP BY entity_id",
		ref, ref)
	res, err := det.store.ExecuteQuery(ctx, sql, []storage.Param{
		storage.DateTime(until.Add(-det.baseliner.window)),
	})
	if err != nil {
		return nil, fmt.Errorf("first-seen scan %s: %w", entityType, err)
	}
	out := make(map[string]time.Time, len(res.Rows))
	for _, row := range res.Rows {
		entityID, _ := row["entity_id"].(string)
		if ts, ok := asTime(row["first_seen"]); ok && entityID != "" {
			out[entityID] = ts
		}
	}
	return out, nil
}

func (det *Detector) detect(ctx context.Context, entityType string, obs observation, now time.Time) ([]Anomaly, error) {
	var found []Anomaly
	isNew := !obs.firstSeen.IsZero() && now.Sub(obs.firstSeen) < newBehaviorWindow

	for _, metric := range metricNames {
		current := obs.total
		if metric == MetricErrorCount {
			current = obs.errors
		}

		expected, err := det.baseliner.Expected(ctx, entityType, obs.entityID, metric, now)
		if err != nil {
			return found, err
		}
		if expected == nil {
			if isNew && metric == MetricEventCount && obs.total >= 1 {
				a, err := det.emit(ctx, entityType, obs, now, TypeNewBehavior, metric, current, 0, syntheticDeviation)
				if err != nil {
					return found, err
				}
				found = append(found, a)
			}
			continue
		}

		dev := Deviation(current, *expected)
		// Untrusted cells (too few samples) do not fire spike/drop;
		// one noisy afternoon should not page anyone.
		if expected.SampleCount >= det.baseliner.minSamples {
			if dev >= det.spikeThreshold {
				a, err := det.emit(ctx, entityType, obs, now, TypeSpike, metric, current, expected.Mean, dev)
				if err != nil {
					return found, err
				}
				found = append(found, a)
			} else if dev <= det.dropThreshold {
				a, err := det.emit(ctx, entityType, obs, now, TypeDrop, metric, current, expected.Mean, dev)
				if err != nil {
					return found, err
				}
				found = append(found, a)
			}
		}
	}

	if offHours(now.Hour()) {
		trusted, err := det.baseliner.HasTrustedCell(ctx, entityType, obs.entityID, now)
		if err != nil {
			return found, err
		}
		if !trusted && !isNew {
			a, err := det.emit(ctx, entityType, obs, now, TypeTimeAnomaly, MetricEventCount, obs.total, 0, syntheticDeviation)
			if err != nil {
				return found, err
			}
			found = append(found, a)
		}
	}
	return found, nil
}

// offHours covers the wrap-around window 22:00..06:00.
func offHours(hour int) bool {
	return hour >= offHoursStart || hour < offHoursEnd
}

func (det *Detector) emit(ctx context.Context, entityType string, obs observation, now time.Time, anomalyType, metric string, observed, expected, deviation float64) (Anomaly, error) {
	related, err := det.relatedLogs(ctx, entityType, obs.entityID, now)
	if err != nil {
		return Anomaly{}, err
	}

	risk := CalculateRiskScore(deviation, anomalyType, entityType)
	a := Anomaly{
		ID:          uuid.NewString(),
		Timestamp:   now,
		EntityType:  entityType,
		EntityID:    obs.entityID,
		Type:        anomalyType,
		Metric:      metric,
		Observed:    observed,
		Expected:    expected,
		Deviation:   deviation,
		RiskScore:   risk,
		Severity:    DetermineSeverity(risk),
		RelatedLogs: related,
		Context: map[string]string{
			"hour":        strconv.Itoa(now.Hour()),
			"day_of_week": strconv.Itoa(int(now.Weekday())),
		},
	}
	if entityType == EntityIP {
		class := ClassifyIP(obs.entityID)
		a.Context["ip_type"] = class.Type
		if class.RangeName != "" {
			a.Context["ip_range"] = class.RangeName
		}
		a.Context["ip_internal"] = strconv.FormatBool(class.IsInternal)
	}
	return a, nil
}

// relatedLogs fetches up to relatedLogsLimit message snippets from
// the calendar hour the anomaly was observed in.
func (det *Detector) relatedLogs(ctx context.Context, entityType, entityID string, now time.Time) ([]string, error) {
	hourStart := now.Truncate(time.Hour)
	ref := entityRef(det.d, entityType)
	sql := fmt.Sprintf(
		"SELECT message FROM events WHERE %s = ? AND timestamp >= ? AND timestamp < ? "+
			"ORDER BY timestamp DESC LIMIT %d",
		ref, relatedLogsLimit)
	res, err := det.store.ExecuteQuery(ctx, sql, []storage.Param{
		storage.String(entityID), storage.DateTime(hourStart), storage.DateTime(hourStart.Add(time.Hour)),
	})
	if err != nil {
		return nil, fmt.Errorf("related logs: %w", err)
	}
	snippets := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		msg, _ := row["message"].(string)
		if len(msg) > relatedSnippetLen {
			msg = msg[:relatedSnippetLen]
		}
		snippets = append(snippets, msg)
	}
	return snippets, nil
}

func (det *Detector) persist(ctx context.Context, anomalies []Anomaly) error {
	for _, a := range anomalies {
		related, err := json.Marshal(a.RelatedLogs)
		if err != nil {
			return err
		}
		contextBlob, err := json.Marshal(a.Context)
		if err != nil {
			return err
		}
		err = det.store.ExecuteWrite(ctx,
			"INSERT INTO anomalies (id, timestamp, entity_type, entity_id, anomaly_type, metric_name, observed, expected, deviation_score, risk_score, severity, related_logs, context, is_false_positive) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)",
			[]storage.Param{
				storage.String(a.ID), storage.DateTime(a.Timestamp),
				storage.String(a.EntityType), storage.String(a.EntityID),
				storage.String(a.Type), storage.String(a.Metric),
				storage.Float64(a.Observed), storage.Float64(a.Expected),
				storage.Float64(a.Deviation), storage.UInt32(uint32(a.RiskScore)),
				storage.String(a.Severity), storage.String(string(related)),
				storage.String(string(contextBlob)),
			})
		if err != nil {
			return fmt.Errorf("persist anomaly %s: %w", a.ID, err)
		}
	}
	return nil
}

// SetFeedback records a human verdict in both the catalog (the fast
// lookup used by aggregations) and the anomaly row itself.
func (det *Detector) SetFeedback(ctx context.Context, anomalyID string, falsePositive bool) error {
	verdict := catalog.VerdictConfirmed
	flag := 0
	if falsePositive {
		verdict = catalog.VerdictFalsePositive
		flag = 1
	}
	if err := det.catalog.SetFeedback(ctx, anomalyID, verdict); err != nil {
		return err
	}

	now := time.Now().UTC()
	if det.d.Backend() == storage.BackendColumnar {
		// Mutations apply asynchronously; the catalog verdict covers
		// the gap for aggregations.
		return det.store.ExecuteWrite(ctx,
			"ALTER TABLE anomalies UPDATE is_false_positive = ?, feedback_at = ? WHERE id = ?",
			[]storage.Param{storage.UInt32(uint32(flag)), storage.DateTime(now), storage.String(anomalyID)})
	}
	return det.store.ExecuteWrite(ctx,
		"UPDATE anomalies SET is_false_positive = ?, feedback_at = ? WHERE id = ?",
		[]storage.Param{storage.UInt32(uint32(flag)), storage.DateTime(now), storage.String(anomalyID)})
}

// Recent lists stored anomalies newest first, excluding anything a
// human has marked false positive.
func (det *Detector) Recent(ctx context.Context, since time.Time, limit int) ([]Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := det.store.ExecuteQuery(ctx,
		fmt.Sprintf("SELECT id, timestamp, entity_type, entity_id, anomaly_type, metric_name, observed, expected, deviation_score, risk_score, severity, related_logs, context "+
			"FROM anomalies WHERE timestamp >= ? AND is_false_positive = 0 ORDER BY timestamp DESC LIMIT %d", limit),
		[]storage.Param{storage.DateTime(since)})
	if err != nil {
		return nil, err
	}

	excluded, err := det.falsePositives(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Anomaly, 0, len(res.Rows))
	for _, row := range res.Rows {
		id, _ := row["id"].(string)
		if excluded.Contains(id) {
			continue
		}
		a := Anomaly{
			ID:         id,
			EntityType: asString(row["entity_type"]),
			EntityID:   asString(row["entity_id"]),
			Type:       asString(row["anomaly_type"]),
			Metric:     asString(row["metric_name"]),
			Observed:   asFloat(row["observed"]),
			Expected:   asFloat(row["expected"]),
			Deviation:  asFloat(row["deviation_score"]),
			RiskScore:  int(asFloat(row["risk_score"])),
			Severity:   asString(row["severity"]),
		}
		if ts, ok := asTime(row["timestamp"]); ok {
			a.Timestamp = ts
		}
		if blob := asString(row["related_logs"]); blob != "" {
			_ = json.Unmarshal([]byte(blob), &a.RelatedLogs)
		}
		if blob := asString(row["context"]); blob != "" {
			_ = json.Unmarshal([]byte(blob), &a.Context)
		}
		out = append(out, a)
	}
	return out, nil
}

// Summary counts non-false-positive anomalies by severity since a
// point in time, for the dashboard header.
func (det *Detector) Summary(ctx context.Context, since time.Time) (map[string]int, error) {
	res, err := det.store.ExecuteQuery(ctx,
		"SELECT id, severity FROM anomalies WHERE timestamp >= ? AND is_false_positive = 0",
		[]storage.Param{storage.DateTime(since)})
	if err != nil {
		return nil, err
	}
	excluded, err := det.falsePositives(ctx)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, row := range res.Rows {
		if excluded.Contains(asString(row["id"])) {
			continue
		}
		counts[asString(row["severity"])]++
	}
	return counts, nil
}

// falsePositives returns the catalog's verdict set. The storage flag
// usually agrees, but catalog verdicts apply immediately while
// columnar mutations lag.
func (det *Detector) falsePositives(ctx context.Context) (set.Set[string], error) {
	ids, err := det.catalog.FalsePositiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	return set.FromSlice(ids), nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
