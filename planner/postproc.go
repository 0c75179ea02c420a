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
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/storage"
)

// Output is the final, client-shaped result of a query.
type Output struct {
	Columns []string
	Rows    []map[string]any
}

// PostProcess finishes a fetched result: decodes shaped columns,
// fills timechart gaps and applies the plan's remaining stages.
func (p *Plan) PostProcess(res *storage.Result, now time.Time) (*Output, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	columns := append([]string(nil), p.Columns...)
	rows := res.Rows

	for col, shape := range p.Shapes {
		for _, row := range rows {
			row[col] = applyShape(row[col], shape)
		}
	}
	if p.GapFill != nil {
		rows = fillGaps(rows, p.GapFill)
	}

	var err error
	for _, stage := range p.Post {
		columns, rows, err = applyStage(stage, columns, rows, now)
		if err != nil {
			return nil, err
		}
	}
	if p.RowCap > 0 && len(rows) > p.RowCap {
		rows = rows[:p.RowCap]
	}
	return &Output{Columns: columns, Rows: rows}, nil
}

func applyShape(v any, shape ColumnShape) any {
	switch shape.Kind {
	case ShapeJSONArray:
		return decodeJSONArray(v)
	case ShapeQuantileFromArray:
		return quantileOf(floatsOf(decodeJSONArray(v)), shape.Quantile)
	case ShapeModeFromArray:
		return modeOf(decodeJSONArray(v))
	case ShapeFirstElement:
		return firstElement(v)
	}
	return v
}

func decodeJSONArray(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case string:
		var arr []any
		if err := json.Unmarshal([]byte(x), &arr); err == nil {
			return arr
		}
	}
	return nil
}

func floatsOf(arr []any) []float64 {
	out := make([]float64, 0, len(arr))
	for _, v := range arr {
		if f, ok := toFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

// quantileOf uses the nearest-rank method over a sorted copy.
func quantileOf(vals []float64, q float64) any {
	if len(vals) == 0 {
		return nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// modeOf returns the most frequent value; ties break toward the
// smaller text form.
func modeOf(arr []any) any {
	if len(arr) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, v := range arr {
		counts[toText(v)]++
	}
	best, bestCount := "", -1
	for v, n := range counts {
		if n > bestCount || (n == bestCount && v < best) {
			best, bestCount = v, n
		}
	}
	return best
}

func firstElement(v any) any {
	switch x := v.(type) {
	case []any:
		if len(x) > 0 {
			return x[0]
		}
	case []string:
		if len(x) > 0 {
			return x[0]
		}
	}
	return v
}

// ---- timechart gap filling ----

var bucketLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func parseBucket(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		for _, layout := range bucketLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func formatBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// fillGaps inserts synthetic rows for empty buckets so charts render
// continuous series. Count columns get zero, others null. With a
// split-by, each observed group fills independently.
func fillGaps(rows []map[string]any, gf *GapFill) []map[string]any {
	if gf.Span <= 0 {
		return rows
	}
	type entry struct {
		bucket time.Time
		row    map[string]any
	}
	groups := map[string][]entry{}
	groupRows := map[string]map[string]any{} // representative row per group
	var order []string
	min, max := gf.Start, gf.End

	for _, row := range rows {
		bucket, ok := parseBucket(row[gf.BucketColumn])
		if !ok {
			continue
		}
		key := groupKey(row, gf.GroupColumns)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
			groupRows[key] = row
		}
		groups[key] = append(groups[key], entry{bucket, row})
		if min.IsZero() || bucket.Before(min) {
			min = bucket
		}
		if max.IsZero() || !bucket.Before(max) {
			max = bucket.Add(gf.Span)
		}
	}
	if min.IsZero() || !min.Before(max) {
		return rows
	}
	min = min.Truncate(gf.Span)

	var out []map[string]any
	for _, key := range order {
		have := map[int64]map[string]any{}
		for _, e := range groups[key] {
			have[e.bucket.Unix()] = e.row
		}
		for t := min; t.Before(max); t = t.Add(gf.Span) {
			if row, ok := have[t.Unix()]; ok {
				row[gf.BucketColumn] = formatBucket(t)
				out = append(out, row)
				continue
			}
			row := map[string]any{gf.BucketColumn: formatBucket(t)}
			for _, g := range gf.GroupColumns {
				row[g] = groupRows[key][g]
			}
			for _, z := range gf.ZeroColumns {
				row[z] = int64(0)
			}
			for _, n := range gf.NullColumns {
				row[n] = nil
			}
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		bi := toText(out[i][gf.BucketColumn])
		bj := toText(out[j][gf.BucketColumn])
		if bi != bj {
			return bi < bj
		}
		return groupKey(out[i], gf.GroupColumns) < groupKey(out[j], gf.GroupColumns)
	})
	return out
}

func groupKey(row map[string]any, cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = toText(row[c])
	}
	return strings.Join(parts, "\x1f")
}

// ---- stage application ----

func applyStage(stage dsl.Stage, columns []string, rows []map[string]any, now time.Time) ([]string, []map[string]any, error) {
	switch s := stage.(type) {
	case *dsl.SearchStage:
		return columns, filterRows(rows, s.Filter), nil
	case *dsl.WhereStage:
		return columns, filterRows(rows, s.Cond), nil
	case *dsl.StatsStage:
		cols, out := memAggregate(s.Aggs, s.By, 0, rows)
		return cols, out, nil
	case *dsl.TimechartStage:
		cols, out := memAggregate(s.Aggs, s.By, s.Span, rows)
		gf := &GapFill{Span: s.Span, BucketColumn: "_time", GroupColumns: s.By}
		for _, a := range s.Aggs {
			if a.Func == "count" {
				gf.ZeroColumns = append(gf.ZeroColumns, a.Column())
			} else {
				gf.NullColumns = append(gf.NullColumns, a.Column())
			}
		}
		return cols, fillGaps(out, gf), nil
	case *dsl.SortStage:
		sortRows(rows, s.Keys)
		return columns, rows, nil
	case *dsl.LimitStage:
		return columns, headRows(rows, s.N), nil
	case *dsl.HeadStage:
		return columns, headRows(rows, s.N), nil
	case *dsl.TailStage:
		if s.N < len(rows) {
			rows = rows[len(rows)-s.N:]
		}
		return columns, rows, nil
	case *dsl.DedupStage:
		return columns, dedupRows(rows, s.Fields), nil
	case *dsl.TableStage:
		return projectRows(rows, s.Fields)
	case *dsl.FieldsStage:
		if s.Exclude {
			kept := make([]string, 0, len(columns))
			drop := map[string]bool{}
			for _, f := range s.Fields {
				drop[f] = true
			}
			for _, c := range columns {
				if !drop[c] {
					kept = append(kept, c)
				}
			}
			for _, row := range rows {
				for _, f := range s.Fields {
					delete(row, f)
				}
			}
			return kept, rows, nil
		}
		return projectRows(rows, s.Fields)
	case *dsl.RenameStage:
		for _, p := range s.Pairs {
			for i, c := range columns {
				if c == p.From {
					columns[i] = p.To
				}
			}
			for _, row := range rows {
				if v, ok := row[p.From]; ok {
					row[p.To] = v
					delete(row, p.From)
				}
			}
		}
		return columns, rows, nil
	case *dsl.EvalStage:
		for _, b := range s.Bindings {
			if !containsString(columns, b.Name) {
				columns = append(columns, b.Name)
			}
			for _, row := range rows {
				row[b.Name] = evalExpr(b.Expr, row, now)
			}
		}
		return columns, rows, nil
	case *dsl.BinStage:
		for _, row := range rows {
			row[s.Field] = binValue(rowField(row, s.Field), s.Span)
		}
		if !containsString(columns, s.Field) {
			columns = append(columns, s.Field)
		}
		return columns, rows, nil
	case *dsl.RexStage:
		return applyRex(s, columns, rows)
	}
	return columns, rows, fmt.Errorf("stage %T cannot run client-side", stage)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func headRows(rows []map[string]any, n int) []map[string]any {
	if n >= 0 && n < len(rows) {
		return rows[:n]
	}
	return rows
}

func dedupRows(rows []map[string]any, fields []string) []map[string]any {
	seen := map[string]bool{}
	out := rows[:0:0]
	for _, row := range rows {
		key := groupKey(row, fields)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}

func projectRows(rows []map[string]any, fields []string) ([]string, []map[string]any, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		p := make(map[string]any, len(fields))
		for _, f := range fields {
			p[f] = rowField(row, f)
		}
		out[i] = p
	}
	return append([]string(nil), fields...), out, nil
}

func sortRows(rows []map[string]any, keys []dsl.SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := rowField(rows[i], k.Field), rowField(rows[j], k.Field)
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareValues orders numerically when both sides parse as numbers,
// textually otherwise. Nil sorts last either way.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toText(a), toText(b))
}

func binValue(v any, span time.Duration) any {
	if t, ok := parseBucket(v); ok {
		return formatBucket(t.Truncate(span))
	}
	if f, ok := toFloat(v); ok && span > 0 {
		width := span.Seconds()
		return float64(int64(f/width)) * width
	}
	return v
}

func applyRex(s *dsl.RexStage, columns []string, rows []map[string]any) ([]string, []map[string]any, error) {
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return columns, rows, fmt.Errorf("rex: %w", err)
	}
	names := re.SubexpNames()
	// A named group that collides with an existing column wins, but
	// the original value survives under raw.<name>.
	collides := map[string]bool{}
	for _, name := range names {
		if name == "" {
			continue
		}
		if containsString(columns, name) {
			collides[name] = true
			if shadow := "raw." + name; !containsString(columns, shadow) {
				columns = append(columns, shadow)
			}
		} else {
			columns = append(columns, name)
		}
	}
	for _, row := range rows {
		subject := toText(rowField(row, s.Field))
		m := re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		for i, name := range names {
			if name == "" {
				continue
			}
			if collides[name] {
				if prior, ok := row[name]; ok {
					row["raw."+name] = prior
				}
			}
			row[name] = m[i]
		}
	}
	return columns, rows, nil
}

// ---- client-side filtering ----

func filterRows(rows []map[string]any, f dsl.FilterExpr) []map[string]any {
	out := rows[:0:0]
	for _, row := range rows {
		if matchFilter(f, row) {
			out = append(out, row)
		}
	}
	return out
}

func matchFilter(f dsl.FilterExpr, row map[string]any) bool {
	switch e := f.(type) {
	case *dsl.AndExpr:
		return matchFilter(e.Left, row) && matchFilter(e.Right, row)
	case *dsl.OrExpr:
		return matchFilter(e.Left, row) || matchFilter(e.Right, row)
	case *dsl.NotExpr:
		return !matchFilter(e.Expr, row)
	case *dsl.AllExpr:
		return true
	case *dsl.TermExpr:
		msg := toText(rowField(row, "message"))
		return strings.Contains(strings.ToLower(msg), strings.ToLower(e.Term))
	case *dsl.CompareExpr:
		return matchCompare(e, row)
	}
	return false
}

func matchCompare(e *dsl.CompareExpr, row map[string]any) bool {
	got := rowField(row, e.Field)
	text := valueText(e.Value)

	if e.Op == dsl.OpMatches {
		subject := toText(got)
		if regexMeta(text) {
			re, err := compileCachedInsensitive(text)
			if err != nil {
				return false
			}
			return re.MatchString(subject)
		}
		return strings.Contains(strings.ToLower(subject), strings.ToLower(text))
	}

	if strings.Contains(text, "*") && (e.Op == dsl.OpEq || e.Op == dsl.OpNeq) {
		matched := wildcardMatch(toText(got), text)
		if e.Op == dsl.OpNeq {
			return !matched
		}
		return matched
	}

	if wantF, ok := e.Value.AsFloat(); ok {
		if gotF, ok := toFloat(got); ok {
			return compareOrdered(compareFloats(gotF, wantF), e.Op)
		}
	}
	return compareOrdered(strings.Compare(toText(got), text), e.Op)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareOrdered(cmp int, op dsl.CompareOp) bool {
	switch op {
	case dsl.OpEq:
		return cmp == 0
	case dsl.OpNeq:
		return cmp != 0
	case dsl.OpLt:
		return cmp < 0
	case dsl.OpLte:
		return cmp <= 0
	case dsl.OpGt:
		return cmp > 0
	case dsl.OpGte:
		return cmp >= 0
	}
	return false
}

// regexCache memoizes compiled patterns across queries.
type regexCache struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}

func (c *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.m[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if c.m == nil {
		c.m = map[string]*regexp.Regexp{}
	}
	c.m[pattern] = re
	return re, nil
}

var rexCache regexCache

// compileCachedInsensitive compiles a case-insensitive regex with
// caching shared across queries.
func compileCachedInsensitive(pattern string) (*regexp.Regexp, error) {
	return rexCache.compile("(?i)" + pattern)
}

func wildcardMatch(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	re, err := rexCache.compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func jsonLookup(blob, key string) (any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
