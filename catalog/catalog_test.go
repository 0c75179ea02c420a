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

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureIndexCreatesWithDefaultRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idx, err := s.EnsureIndex(ctx, "weblogs")
	require.NoError(t, err)
	assert.Equal(t, DefaultRetentionDays, idx.RetentionDays)

	// Second call is a read, not a second insert.
	again, err := s.EnsureIndex(ctx, "weblogs")
	require.NoError(t, err)
	assert.Equal(t, idx.CreatedAt, again.CreatedAt)

	all, err := s.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureIndexRejectsBadNames(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"", "UPPER", "has space", "-leading"} {
		_, err := s.EnsureIndex(context.Background(), name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestSetRetentionBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureIndex(ctx, "weblogs")
	require.NoError(t, err)

	require.NoError(t, s.SetRetention(ctx, "weblogs", 30))
	idx, err := s.GetIndex(ctx, "weblogs")
	require.NoError(t, err)
	assert.Equal(t, 30, idx.RetentionDays)

	assert.Error(t, s.SetRetention(ctx, "weblogs", 0))
	assert.Error(t, s.SetRetention(ctx, "weblogs", 366))
	assert.ErrorIs(t, s.SetRetention(ctx, "ghost", 30), ErrNotFound)
}

func TestDashboardCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDashboard(ctx, "ops", "overview")
	require.NoError(t, err)

	_, err = s.AddPanel(ctx, Panel{
		DashboardID: d.ID,
		Title:       "errors",
		Query:       "search severity<=3 | timechart span=5m count",
		VizType:     "line",
		Options:     `{"y_label": "errors/min", "stacked": true}`,
	})
	require.NoError(t, err)
	_, err = s.SetVariable(ctx, Variable{DashboardID: d.ID, Name: "idx", DefaultValue: "default"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDashboard(ctx, d.ID))

	panels, err := s.ListPanels(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, panels)
	vars, err := s.ListVariables(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestPanelOptionsDecode(t *testing.T) {
	p := Panel{Options: `{"y_label": "req/s", "stacked": "true", "limit": "20"}`}
	var opts struct {
		YLabel  string `mapstructure:"y_label"`
		Stacked bool   `mapstructure:"stacked"`
		Limit   int    `mapstructure:"limit"`
	}
	require.NoError(t, p.DecodeOptions(&opts))
	assert.Equal(t, "req/s", opts.YLabel)
	assert.True(t, opts.Stacked)
	assert.Equal(t, 20, opts.Limit)
}

func TestAddPanelRejectsUnknownViz(t *testing.T) {
	s := openTestStore(t)
	d, err := s.CreateDashboard(context.Background(), "ops", "")
	require.NoError(t, err)
	_, err = s.AddPanel(context.Background(), Panel{DashboardID: d.ID, VizType: "hologram"})
	assert.ErrorContains(t, err, "viz_type")
}

func TestSavedSearchUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.SaveSearch(ctx, SavedSearch{Name: "errors", Query: "search error"})
	require.NoError(t, err)
	second, err := s.SaveSearch(ctx, SavedSearch{Name: "errors", Query: "search severity<=3", Earliest: "-1h"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetSearch(ctx, "errors")
	require.NoError(t, err)
	assert.Equal(t, "search severity<=3", got.Query)
	assert.Equal(t, "-1h", got.Earliest)
}

func TestAnnotationsOverlapQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddAnnotation(ctx, Annotation{
		StartTime: "2023-10-10 13:00:00.000",
		Text:      "deploy v42",
	})
	require.NoError(t, err)

	from := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)
	to := time.Date(2023, 10, 10, 14, 0, 0, 0, time.UTC)
	got, err := s.ListAnnotations(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "deploy v42", got[0].Text)

	got, err = s.ListAnnotations(ctx, to, to.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractionPatternOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SavePattern(ctx, ExtractionPattern{Name: "later", Pattern: "x", Priority: 5, Enabled: true})
	require.NoError(t, err)
	_, err = s.SavePattern(ctx, ExtractionPattern{Name: "first", Pattern: "y", Priority: 1, Enabled: true})
	require.NoError(t, err)
	_, err = s.SavePattern(ctx, ExtractionPattern{Name: "off", Pattern: "z", Priority: 0, Enabled: false})
	require.NoError(t, err)

	got, err := s.ListEnabledPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Name)
	assert.Equal(t, "message", got[0].Field)
}

func TestFeedbackRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetFeedback(ctx, "anom-1", "false_positive"))
	require.NoError(t, s.SetFeedback(ctx, "anom-2", "confirmed"))
	assert.Error(t, s.SetFeedback(ctx, "anom-3", "meh"))

	ids, err := s.FalsePositiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anom-1"}, ids)
}
