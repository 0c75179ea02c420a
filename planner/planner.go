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

// Package planner compiles a parsed pipeline into one parameterized
// SQL statement for the configured backend plus a tail of stages the
// post-processor finishes client-side.
//
// The split point is the first stage that cannot be expressed in SQL:
// filters, aggregations and simple eval expressions lower to the
// query; rex extraction, regex eval and anything after a client-side
// stage run over the fetched rows.
package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/storage"
)

const (
	// RowCapEvents bounds raw event fetches.
	RowCapEvents = 50000
	// RowCapAggregated bounds aggregated result sets.
	RowCapAggregated = 10000
)

// eventSelectColumns is the projection used for raw event queries, in
// stable output order.
var eventSelectColumns = []string{
	"timestamp", "received_at", "hostname", "app_name", "message",
	"severity", "facility", "priority", "source_ip", "source_port",
	"protocol", "index_name", "raw", "structured_data",
}

// numericEventColumns are event columns compared numerically.
var numericEventColumns = map[string]bool{
	"severity":    true,
	"facility":    true,
	"priority":    true,
	"source_port": true,
}

var timeEventColumns = map[string]bool{
	"timestamp":   true,
	"received_at": true,
}

// Options configures one compilation.
type Options struct {
	Backend storage.Backend
	// Earliest and Latest are time specs (absolute ISO-8601 or
	// relative like "-1h@h"). Empty means unbounded on that side.
	Earliest string
	Latest   string
	// Now anchors relative time specs. Zero means time.Now().
	Now time.Time
}

// GapFill tells the post-processor how to fill missing timechart
// buckets: count columns get zero, everything else null.
type GapFill struct {
	Span         time.Duration
	BucketColumn string
	GroupColumns []string
	ZeroColumns  []string
	NullColumns  []string
	// Start and End bound the filled range when the query had explicit
	// time bounds; zero values mean "derive from the data".
	Start time.Time
	End   time.Time
}

// Plan is a compiled query.
type Plan struct {
	SQL        string
	Params     []storage.Param
	Backend    storage.Backend
	Aggregated bool
	// Columns is the result column order produced by the SQL.
	Columns []string
	// Shapes marks columns needing client-side finishing.
	Shapes map[string]ColumnShape
	// GapFill is non-nil for timechart plans.
	GapFill *GapFill
	// Post holds the stages the post-processor applies, in order.
	Post []dsl.Stage
	// Warnings collected during planning (type mismatches etc).
	Warnings []string
	// RowCap is the client-side row bound after post-processing.
	RowCap int
}

// PlanError reports a pipeline the planner cannot lower.
type PlanError struct{ Message string }

func (e *PlanError) Error() string { return e.Message }

func planErrorf(format string, args ...any) *PlanError {
	return &PlanError{Message: fmt.Sprintf(format, args...)}
}

// Compile lowers a validated pipeline to a Plan.
func Compile(p *dsl.Pipeline, opts Options) (*Plan, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c := &compiler{
		d:      DialectFor(opts.Backend),
		now:    now,
		shapes: map[string]ColumnShape{},
		env:    map[string]string{},
	}
	stages := desugar(p.Stages)

	var earliest, latest time.Time
	if opts.Earliest != "" {
		t, err := dsl.ParseTimeSpec(opts.Earliest, now)
		if err != nil {
			return nil, planErrorf("invalid earliest %q: %v", opts.Earliest, err)
		}
		earliest = t
		c.conds = append(c.conds, "timestamp >= ?")
		c.params = append(c.params, storage.DateTime(t))
	}
	if opts.Latest != "" {
		t, err := dsl.ParseTimeSpec(opts.Latest, now)
		if err != nil {
			return nil, planErrorf("invalid latest %q: %v", opts.Latest, err)
		}
		latest = t
		c.conds = append(c.conds, "timestamp < ?")
		c.params = append(c.params, storage.DateTime(t))
	}

	// Consume the longest prefix the SQL can absorb: filters and
	// fully lowerable evals.
	i := 0
consume:
	for ; i < len(stages); i++ {
		switch s := stages[i].(type) {
		case *dsl.SearchStage:
			if err := c.addFilter(s.Filter); err != nil {
				return nil, err
			}
		case *dsl.WhereStage:
			if err := c.addFilter(s.Cond); err != nil {
				return nil, err
			}
		case *dsl.EvalStage:
			if !c.absorbEval(s) {
				break consume
			}
		default:
			break consume
		}
	}

	if i < len(stages) {
		switch s := stages[i].(type) {
		case *dsl.StatsStage:
			return c.compileStats(s, stages[i+1:], opts.Backend)
		case *dsl.TimechartStage:
			return c.compileTimechart(s, stages[i+1:], opts.Backend, earliest, latest)
		}
	}
	return c.compileEvents(stages[i:], opts.Backend)
}

// desugar rewrites top/rare into their stats equivalents.
func desugar(stages []dsl.Stage) []dsl.Stage {
	out := make([]dsl.Stage, 0, len(stages))
	for _, s := range stages {
		switch t := s.(type) {
		case *dsl.TopStage:
			out = append(out,
				&dsl.StatsStage{Aggs: []dsl.AggCall{{Func: "count"}}, By: []string{t.Field}},
				&dsl.SortStage{Keys: []dsl.SortKey{{Field: "count", Desc: true}}},
				&dsl.LimitStage{N: t.N})
		case *dsl.RareStage:
			out = append(out,
				&dsl.StatsStage{Aggs: []dsl.AggCall{{Func: "count"}}, By: []string{t.Field}},
				&dsl.SortStage{Keys: []dsl.SortKey{{Field: "count"}}},
				&dsl.LimitStage{N: t.N})
		default:
			out = append(out, s)
		}
	}
	return out
}

type compiler struct {
	d        Dialect
	now      time.Time
	conds    []string
	params   []storage.Param
	warnings []string
	shapes   map[string]ColumnShape
	// env maps eval-bound names to lowered SQL expressions.
	env      map[string]string
	envOrder []string
}

func (c *compiler) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// ref resolves a field to SQL, preferring eval-computed expressions.
func (c *compiler) ref(field string) string {
	if e, ok := c.env[field]; ok {
		return "(" + e + ")"
	}
	return c.d.ColumnRef(field)
}

func (c *compiler) numRef(field string) string {
	if e, ok := c.env[field]; ok {
		return "(" + e + ")"
	}
	return c.d.NumericRef(field)
}

// absorbEval lowers every binding of an eval stage into the SQL
// environment. Returns false (leaving state untouched) when any
// binding resists lowering, in which case the whole stage runs
// client-side.
func (c *compiler) absorbEval(s *dsl.EvalStage) bool {
	lowered := make(map[string]string, len(s.Bindings))
	for _, b := range s.Bindings {
		sql, ok := c.lowerEvalExpr(b.Expr)
		if !ok {
			return false
		}
		lowered[b.Name] = sql
	}
	for _, b := range s.Bindings {
		if _, seen := c.env[b.Name]; !seen {
			c.envOrder = append(c.envOrder, b.Name)
		}
		c.env[b.Name] = lowered[b.Name]
	}
	return true
}

func (c *compiler) addFilter(f dsl.FilterExpr) error {
	cond, err := c.lowerFilter(f)
	if err != nil {
		return err
	}
	c.conds = append(c.conds, cond)
	return nil
}

func (c *compiler) lowerFilter(f dsl.FilterExpr) (string, error) {
	switch e := f.(type) {
	case *dsl.AndExpr:
		l, err := c.lowerFilter(e.Left)
		if err != nil {
			return "", err
		}
		r, err := c.lowerFilter(e.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " AND " + r + ")", nil
	case *dsl.OrExpr:
		l, err := c.lowerFilter(e.Left)
		if err != nil {
			return "", err
		}
		r, err := c.lowerFilter(e.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " OR " + r + ")", nil
	case *dsl.NotExpr:
		inner, err := c.lowerFilter(e.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *dsl.AllExpr:
		return "1 = 1", nil
	case *dsl.TermExpr:
		cond := c.d.SubstringCond("message")
		c.params = append(c.params, storage.String(e.Term))
		return cond, nil
	case *dsl.CompareExpr:
		return c.lowerCompare(e)
	}
	return "", planErrorf("unsupported filter expression %T", f)
}

func (c *compiler) lowerCompare(e *dsl.CompareExpr) (string, error) {
	field := e.Field

	if e.Op == dsl.OpMatches {
		cond, param := c.d.MatchCond(c.ref(field), valueText(e.Value))
		c.params = append(c.params, param)
		return cond, nil
	}

	switch {
	case timeEventColumns[field]:
		t, err := dsl.ParseTimeSpec(valueText(e.Value), c.now)
		if err != nil {
			c.warnf("field %s compared against non-time value %q; matches nothing", field, valueText(e.Value))
			return "0 = 1", nil
		}
		c.params = append(c.params, storage.DateTime(t))
		return fmt.Sprintf("%s %s ?", field, e.Op), nil

	case numericEventColumns[field]:
		f, ok := e.Value.AsFloat()
		if !ok {
			c.warnf("field %s is numeric but compared against %q; matches nothing", field, valueText(e.Value))
			return "0 = 1", nil
		}
		if f < 0 {
			c.params = append(c.params, storage.Int32(int32(f)))
		} else {
			c.params = append(c.params, storage.UInt32(uint32(f)))
		}
		return fmt.Sprintf("%s %s ?", field, e.Op), nil
	}

	// Strings, structured fields and eval-computed columns.
	text := valueText(e.Value)
	switch e.Op {
	case dsl.OpEq:
		if strings.Contains(text, "*") {
			cond, param := c.d.LikeCond(c.ref(field), text)
			c.params = append(c.params, param)
			return cond, nil
		}
		c.params = append(c.params, storage.String(text))
		return fmt.Sprintf("%s = ?", c.ref(field)), nil
	case dsl.OpNeq:
		if strings.Contains(text, "*") {
			cond, param := c.d.LikeCond(c.ref(field), text)
			c.params = append(c.params, param)
			return "NOT (" + cond + ")", nil
		}
		c.params = append(c.params, storage.String(text))
		return fmt.Sprintf("%s != ?", c.ref(field)), nil
	default:
		// Ordered comparison: numeric when the value is, textual
		// otherwise.
		if f, ok := e.Value.AsFloat(); ok {
			c.params = append(c.params, storage.Float64(f))
			return fmt.Sprintf("%s %s ?", c.numRef(field), e.Op), nil
		}
		c.params = append(c.params, storage.String(text))
		return fmt.Sprintf("%s %s ?", c.ref(field), e.Op), nil
	}
}

func valueText(v dsl.Value) string {
	switch v.Kind {
	case dsl.ValueInt:
		return fmt.Sprintf("%d", v.Int)
	case dsl.ValueFloat:
		return fmt.Sprintf("%g", v.Float)
	default:
		return v.Str
	}
}

// lowerAggregate resolves the call's field through the eval
// environment before handing it to the dialect.
func (c *compiler) lowerAggregate(agg dsl.AggCall) (string, ColumnShape) {
	if agg.Field == "" {
		return c.d.Aggregate(agg, "", "")
	}
	return c.d.Aggregate(agg, c.ref(agg.Field), c.numRef(agg.Field))
}

func (c *compiler) whereClause() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

// ---- aggregated plans ----

func (c *compiler) compileStats(s *dsl.StatsStage, rest []dsl.Stage, backend storage.Backend) (*Plan, error) {
	var selects, groups, columns []string
	for _, by := range s.By {
		alias := quoteIdent(by)
		selects = append(selects, fmt.Sprintf("%s AS %s", c.ref(by), alias))
		groups = append(groups, alias)
		columns = append(columns, by)
	}
	for _, agg := range s.Aggs {
		expr, shape := c.lowerAggregate(agg)
		if expr == "" {
			return nil, planErrorf("aggregation %q is not supported", agg.Func)
		}
		col := agg.Column()
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, quoteIdent(col)))
		columns = append(columns, col)
		if shape.Kind != 0 {
			c.shapes[col] = shape
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM events")
	b.WriteString(c.whereClause())
	if len(groups) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}

	known := map[string]bool{}
	for _, col := range columns {
		known[col] = true
	}
	orderBy, limit, post := consumeOrderLimit(rest, known)
	switch {
	case orderBy != "":
		b.WriteString(orderBy)
	case len(groups) > 0:
		// Deterministic default ordering on the group keys.
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(groups, ", "))
	}
	if limit <= 0 || limit > RowCapAggregated {
		limit = RowCapAggregated
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)

	return &Plan{
		SQL:        b.String(),
		Params:     c.params,
		Backend:    backend,
		Aggregated: true,
		Columns:    columns,
		Shapes:     c.shapes,
		Post:       post,
		Warnings:   c.warnings,
		RowCap:     RowCapAggregated,
	}, nil
}

func (c *compiler) compileTimechart(s *dsl.TimechartStage, rest []dsl.Stage, backend storage.Backend, earliest, latest time.Time) (*Plan, error) {
	selects := []string{fmt.Sprintf("%s AS %s", c.d.TimeBucket(s.Span), quoteIdent("_time"))}
	groups := []string{quoteIdent("_time")}
	columns := []string{"_time"}
	gap := &GapFill{Span: s.Span, BucketColumn: "_time", Start: earliest, End: latest}

	for _, by := range s.By {
		alias := quoteIdent(by)
		selects = append(selects, fmt.Sprintf("%s AS %s", c.ref(by), alias))
		groups = append(groups, alias)
		columns = append(columns, by)
		gap.GroupColumns = append(gap.GroupColumns, by)
	}
	for _, agg := range s.Aggs {
		expr, shape := c.lowerAggregate(agg)
		if expr == "" {
			return nil, planErrorf("aggregation %q is not supported", agg.Func)
		}
		col := agg.Column()
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, quoteIdent(col)))
		columns = append(columns, col)
		if shape.Kind != 0 {
			c.shapes[col] = shape
		}
		if agg.Func == "count" {
			gap.ZeroColumns = append(gap.ZeroColumns, col)
		} else {
			gap.NullColumns = append(gap.NullColumns, col)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM events")
	b.WriteString(c.whereClause())
	b.WriteString(" GROUP BY ")
	b.WriteString(strings.Join(groups, ", "))
	b.WriteString(` ORDER BY "_time"`)
	fmt.Fprintf(&b, " LIMIT %d", RowCapAggregated)

	return &Plan{
		SQL:        b.String(),
		Params:     c.params,
		Backend:    backend,
		Aggregated: true,
		Columns:    columns,
		Shapes:     c.shapes,
		GapFill:    gap,
		Post:       rest,
		Warnings:   c.warnings,
		RowCap:     RowCapAggregated,
	}, nil
}

// consumeOrderLimit folds a trailing "sort | limit" pair into ORDER
// BY/LIMIT when every sort key names a known output column. Returns
// the unconsumed tail.
func consumeOrderLimit(rest []dsl.Stage, known map[string]bool) (orderBy string, limit int, post []dsl.Stage) {
	i := 0
	if i < len(rest) {
		if s, ok := rest[i].(*dsl.SortStage); ok {
			keys := make([]string, 0, len(s.Keys))
			lowerable := true
			for _, k := range s.Keys {
				if !known[k.Field] {
					lowerable = false
					break
				}
				dir := " ASC"
				if k.Desc {
					dir = " DESC"
				}
				keys = append(keys, quoteIdent(k.Field)+dir)
			}
			if lowerable {
				orderBy = " ORDER BY " + strings.Join(keys, ", ")
				i++
			}
		}
	}
	if i < len(rest) && (orderBy != "" || i == 0) {
		switch s := rest[i].(type) {
		case *dsl.LimitStage:
			limit = s.N
			i++
		case *dsl.HeadStage:
			limit = s.N
			i++
		}
	}
	return orderBy, limit, rest[i:]
}

// ---- raw event plans ----

func (c *compiler) compileEvents(rest []dsl.Stage, backend storage.Backend) (*Plan, error) {
	if err := checkMemAggregation(rest); err != nil {
		return nil, err
	}

	selects := make([]string, 0, len(eventSelectColumns)+len(c.envOrder))
	columns := make([]string, 0, len(eventSelectColumns)+len(c.envOrder))
	for _, col := range eventSelectColumns {
		selects = append(selects, col)
		columns = append(columns, col)
	}
	for _, name := range c.envOrder {
		selects = append(selects, fmt.Sprintf("(%s) AS %s", c.env[name], quoteIdent(name)))
		columns = append(columns, name)
	}

	// Fold a leading sort (and optional dedup, then limit/head) into
	// the SQL. Everything after runs client-side.
	orderKeys := []dsl.SortKey{{Field: "timestamp", Desc: true}}
	i := 0
	if i < len(rest) {
		if s, ok := rest[i].(*dsl.SortStage); ok && sortLowerable(s, c.env) {
			orderKeys = s.Keys
			i++
		}
	}
	var dedupFields []string
	if i < len(rest) {
		if s, ok := rest[i].(*dsl.DedupStage); ok {
			dedupFields = s.Fields
			i++
		}
	}
	limit := 0
	if i < len(rest) {
		switch s := rest[i].(type) {
		case *dsl.LimitStage:
			limit = s.N
			i++
		case *dsl.HeadStage:
			limit = s.N
			i++
		}
	}
	if limit <= 0 || limit > RowCapEvents {
		limit = RowCapEvents
	}

	orderBy := make([]string, len(orderKeys))
	for j, k := range orderKeys {
		dir := " ASC"
		if k.Desc {
			dir = " DESC"
		}
		orderBy[j] = c.ref(k.Field) + dir
	}

	var b strings.Builder
	if len(dedupFields) > 0 && backend == storage.BackendRelational {
		// ROW_NUMBER over the dedup key; the row that sorts first under
		// the effective ordering wins, so a preceding sort picks the
		// survivor and the default keeps the newest event per key.
		parts := make([]string, len(dedupFields))
		for j, f := range dedupFields {
			parts[j] = c.ref(f)
		}
		b.WriteString("SELECT ")
		b.WriteString(strings.Join(columnIdents(columns), ", "))
		b.WriteString(" FROM (SELECT ")
		b.WriteString(strings.Join(selects, ", "))
		fmt.Fprintf(&b, ", ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS dedup_rn FROM events",
			strings.Join(parts, ", "), strings.Join(orderBy, ", "))
		b.WriteString(c.whereClause())
		b.WriteString(") WHERE dedup_rn = 1 ORDER BY ")
		b.WriteString(strings.Join(quotedOrder(orderKeys), ", "))
		fmt.Fprintf(&b, " LIMIT %d", limit)
	} else {
		b.WriteString("SELECT ")
		b.WriteString(strings.Join(selects, ", "))
		b.WriteString(" FROM events")
		b.WriteString(c.whereClause())
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orderBy, ", "))
		if len(dedupFields) > 0 {
			parts := make([]string, len(dedupFields))
			for j, f := range dedupFields {
				parts[j] = c.ref(f)
			}
			fmt.Fprintf(&b, " LIMIT 1 BY %s", strings.Join(parts, ", "))
		}
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	return &Plan{
		SQL:      b.String(),
		Params:   c.params,
		Backend:  backend,
		Columns:  columns,
		Shapes:   c.shapes,
		Post:     rest[i:],
		Warnings: c.warnings,
		RowCap:   RowCapEvents,
	}, nil
}

func sortLowerable(s *dsl.SortStage, env map[string]string) bool {
	for _, k := range s.Keys {
		if _, ok := env[k.Field]; ok {
			continue
		}
		if !dsl.IsEventColumn(k.Field) && !strings.HasPrefix(k.Field, "structured.") {
			return false
		}
	}
	return true
}

func quotedOrder(keys []dsl.SortKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		dir := " ASC"
		if k.Desc {
			dir = " DESC"
		}
		out[i] = quoteIdent(k.Field) + dir
	}
	return out
}

func columnIdents(columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = quoteIdent(c)
	}
	return out
}

// checkMemAggregation verifies that an aggregation stranded behind a
// client-side stage only uses functions the in-memory aggregator
// implements.
func checkMemAggregation(post []dsl.Stage) error {
	for _, s := range post {
		var aggs []dsl.AggCall
		switch t := s.(type) {
		case *dsl.StatsStage:
			aggs = t.Aggs
		case *dsl.TimechartStage:
			aggs = t.Aggs
		default:
			continue
		}
		for _, a := range aggs {
			if !memAggSupported[a.Func] {
				return planErrorf("aggregation %q cannot follow extraction stages; move it before rex/eval or use a simpler function", a.Func)
			}
		}
	}
	return nil
}
