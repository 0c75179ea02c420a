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

package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/storage"
)

func run(t *testing.T, query string, backend storage.Backend, rows []map[string]any) *Output {
	t.Helper()
	plan := compile(t, query, Options{Backend: backend})
	out, err := plan.PostProcess(&storage.Result{Columns: plan.Columns, Rows: rows}, time.Time{})
	require.NoError(t, err)
	return out
}

func eventRow(host, msg, ts string) map[string]any {
	return map[string]any{
		"timestamp": ts,
		"hostname":  host,
		"message":   msg,
		"severity":  int64(6),
	}
}

func TestPostProcessGapFill(t *testing.T) {
	plan := compile(t, `search * | timechart span=1m count`,
		Options{Backend: storage.BackendRelational})

	rows := []map[string]any{
		{"_time": "2023-10-10 13:00:00", "count": int64(4)},
		{"_time": "2023-10-10 13:03:00", "count": int64(2)},
	}
	out, err := plan.PostProcess(&storage.Result{Rows: rows}, time.Time{})
	require.NoError(t, err)

	require.Len(t, out.Rows, 4)
	assert.Equal(t, "2023-10-10 13:01:00", out.Rows[1]["_time"])
	assert.EqualValues(t, 0, out.Rows[1]["count"])
	assert.EqualValues(t, 0, out.Rows[2]["count"])
	assert.EqualValues(t, 2, out.Rows[3]["count"])
}

func TestPostProcessGapFillNullsNonCount(t *testing.T) {
	plan := compile(t, `search * | timechart span=1m avg(severity)`,
		Options{Backend: storage.BackendRelational})

	rows := []map[string]any{
		{"_time": "2023-10-10 13:00:00", "avg(severity)": 3.5},
		{"_time": "2023-10-10 13:02:00", "avg(severity)": 4.0},
	}
	out, err := plan.PostProcess(&storage.Result{Rows: rows}, time.Time{})
	require.NoError(t, err)

	require.Len(t, out.Rows, 3)
	assert.Nil(t, out.Rows[1]["avg(severity)"])
}

func TestPostProcessRexThenStats(t *testing.T) {
	out := run(t, `search * | rex "user=(?P<user>\w+)" | stats count by user`,
		storage.BackendRelational,
		[]map[string]any{
			eventRow("web-01", "login user=alice ok", "2023-10-10 13:00:00.000"),
			eventRow("web-01", "login user=bob ok", "2023-10-10 13:00:01.000"),
			eventRow("web-02", "login user=alice ok", "2023-10-10 13:00:02.000"),
			eventRow("web-02", "no match here", "2023-10-10 13:00:03.000"),
		})

	assert.Equal(t, []string{"user", "count"}, out.Columns)
	require.Len(t, out.Rows, 3) // alice, bob, and the rowless group
	counts := map[string]int64{}
	for _, row := range out.Rows {
		counts[toText(row["user"])] = row["count"].(int64)
	}
	assert.EqualValues(t, 2, counts["alice"])
	assert.EqualValues(t, 1, counts["bob"])
}

func TestPostProcessRexCollisionKeepsOriginal(t *testing.T) {
	stage := &dsl.RexStage{Field: "message", Pattern: `(?P<status>\d+)`}
	columns := []string{"message", "status"}
	rows := []map[string]any{
		{"message": "status code 404 returned", "status": "original-status"},
		{"message": "no digits here", "status": "untouched"},
	}

	cols, out, err := applyRex(stage, columns, rows)
	require.NoError(t, err)
	assert.Contains(t, cols, "raw.status")

	// The extracted value wins; the original moves to raw.status.
	assert.Equal(t, "404", out[0]["status"])
	assert.Equal(t, "original-status", out[0]["raw.status"])

	// Rows the pattern misses keep their value and gain no shadow.
	assert.Equal(t, "untouched", out[1]["status"])
	_, shadowed := out[1]["raw.status"]
	assert.False(t, shadowed)
}

func TestPostProcessEvalAndTable(t *testing.T) {
	out := run(t, `search * | rex "took (?P<ms>\d+)ms" | eval s=ms / 1000 | table hostname, s`,
		storage.BackendRelational,
		[]map[string]any{
			eventRow("web-01", "request took 1500ms", "2023-10-10 13:00:00.000"),
		})

	assert.Equal(t, []string{"hostname", "s"}, out.Columns)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "web-01", out.Rows[0]["hostname"])
	assert.Equal(t, 1.5, out.Rows[0]["s"])
}

func TestPostProcessDivisionByZeroIsNull(t *testing.T) {
	row := eventRow("web-01", "x", "2023-10-10 13:00:00.000")
	expr := &dsl.BinaryExpr{
		Op:    dsl.BinDiv,
		Left:  &dsl.LiteralExpr{Value: dsl.IntValue(5)},
		Right: &dsl.LiteralExpr{Value: dsl.IntValue(0)},
	}
	assert.Nil(t, evalExpr(expr, row, time.Time{}))
}

func TestPostProcessSortDedupTail(t *testing.T) {
	rows := []map[string]any{
		eventRow("web-02", "b", "2023-10-10 13:00:02.000"),
		eventRow("web-01", "a", "2023-10-10 13:00:01.000"),
		eventRow("web-01", "c", "2023-10-10 13:00:03.000"),
	}
	// rex first keeps the whole tail client-side.
	out := run(t, `search * | rex "(?P<word>[abc])$" | sort asc word | dedup hostname | tail 1`,
		storage.BackendRelational, rows)

	require.Len(t, out.Rows, 1)
	assert.Equal(t, "web-02", out.Rows[0]["hostname"])
}

func TestPostProcessQuantileShape(t *testing.T) {
	assert.Equal(t, 4.0, quantileOf([]float64{1, 2, 3, 4}, 0.95))
	assert.Equal(t, 2.0, quantileOf([]float64{1, 2, 3, 4}, 0.5))
	assert.Nil(t, quantileOf(nil, 0.5))
}

func TestPostProcessModeShape(t *testing.T) {
	assert.Equal(t, "a", modeOf([]any{"a", "b", "a"}))
	assert.Equal(t, "a", modeOf([]any{"b", "a"})) // tie breaks low
	assert.Nil(t, modeOf(nil))
}

func TestPostProcessShapesDecodeJSONArrays(t *testing.T) {
	plan := compile(t, `search * | stats values(hostname)`,
		Options{Backend: storage.BackendRelational})

	rows := []map[string]any{{"values(hostname)": `["web-01","web-02"]`}}
	out, err := plan.PostProcess(&storage.Result{Rows: rows}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []any{"web-01", "web-02"}, out.Rows[0]["values(hostname)"])
}

func TestPostProcessFieldsExclude(t *testing.T) {
	out := run(t, `search * | rex "(?P<tag>x)" | fields - raw, message`,
		storage.BackendRelational,
		[]map[string]any{eventRow("web-01", "x", "2023-10-10 13:00:00.000")})

	assert.NotContains(t, out.Columns, "raw")
	assert.NotContains(t, out.Columns, "message")
	_, hasMsg := out.Rows[0]["message"]
	assert.False(t, hasMsg)
}

func TestPostProcessRowCap(t *testing.T) {
	plan := compile(t, `search *`, Options{Backend: storage.BackendRelational})
	plan.RowCap = 2
	rows := []map[string]any{
		eventRow("a", "1", "2023-10-10 13:00:00.000"),
		eventRow("b", "2", "2023-10-10 13:00:01.000"),
		eventRow("c", "3", "2023-10-10 13:00:02.000"),
	}
	out, err := plan.PostProcess(&storage.Result{Rows: rows}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, out.Rows, 2)
}
