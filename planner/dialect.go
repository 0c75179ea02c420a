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
	"fmt"
	"strings"
	"time"

	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/storage"
)

// ShapeKind marks a result column that needs client-side finishing.
type ShapeKind int

const (
	// ShapeJSONArray: the column is a JSON-encoded array (SQLite
	// json_group_array) to be decoded into a value list.
	ShapeJSONArray ShapeKind = iota + 1
	// ShapeQuantileFromArray: the column is a JSON array of numbers;
	// the post-processor computes the quantile.
	ShapeQuantileFromArray
	// ShapeModeFromArray: JSON array of values; most frequent wins.
	ShapeModeFromArray
	// ShapeFirstElement: the column is a one-element array (ClickHouse
	// topK); unwrap it.
	ShapeFirstElement
)

// ColumnShape describes finishing work for one result column.
type ColumnShape struct {
	Kind     ShapeKind
	Quantile float64
}

// Dialect isolates everything the two backends disagree about:
// structured-field access, numeric coercion, time bucketing,
// conditional counting, match semantics and aggregate lowering.
type Dialect interface {
	Backend() storage.Backend

	// ColumnRef returns the SQL expression addressing a field: a bare
	// column for physical event columns, a structured_data lookup for
	// everything else.
	ColumnRef(field string) string

	// NumericRef returns a numeric coercion of ColumnRef suitable for
	// arithmetic and numeric comparison.
	NumericRef(field string) string

	// TimeBucket returns the expression flooring timestamp to span.
	TimeBucket(span time.Duration) string

	// CountIf returns a conditional count over cond.
	CountIf(cond string) string

	// MatchCond returns a case-insensitive match of ref against a
	// bound pattern parameter, and the parameter to bind. Plain
	// values match as substrings, regex metacharacters switch to
	// regex matching.
	MatchCond(ref, pattern string) (cond string, param storage.Param)

	// SubstringCond returns a case-insensitive substring condition
	// over ref with one bound parameter. Used for bare search terms,
	// which never regex-match.
	SubstringCond(ref string) string

	// LikeCond returns a wildcard ('*') equality condition.
	LikeCond(ref, pattern string) (cond string, param storage.Param)

	// Aggregate lowers one aggregation call. The caller supplies the
	// resolved raw and numeric references for the call's field, which
	// may be eval-computed expressions. The returned shape is zero
	// when no client-side finishing is needed.
	Aggregate(call dsl.AggCall, ref, num string) (expr string, shape ColumnShape)
}

// DialectFor returns the dialect matching a storage backend.
func DialectFor(b storage.Backend) Dialect {
	if b == storage.BackendColumnar {
		return columnarDialect{}
	}
	return relationalDialect{}
}

// quoteIdent double-quotes a result column alias. Both backends
// accept ANSI double-quoted identifiers.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// structuredKey strips the explicit structured. prefix users may
// write; flattened keys are stored without it.
func structuredKey(field string) string {
	return strings.TrimPrefix(field, "structured.")
}

// regexMeta reports whether a match value should be treated as a
// regular expression rather than a plain substring.
func regexMeta(s string) bool {
	return strings.ContainsAny(s, `\^$[]().+?{}|`)
}

// ---- columnar (ClickHouse) ----

type columnarDialect struct{}

func (columnarDialect) Backend() storage.Backend { return storage.BackendColumnar }

func (columnarDialect) ColumnRef(field string) string {
	if dsl.IsEventColumn(field) {
		return field
	}
	return fmt.Sprintf("structured_data['%s']", escapeSQLString(structuredKey(field)))
}

func (d columnarDialect) NumericRef(field string) string {
	if dsl.IsEventColumn(field) {
		return field
	}
	return fmt.Sprintf("toFloat64OrNull(%s)", d.ColumnRef(field))
}

func (columnarDialect) TimeBucket(span time.Duration) string {
	return fmt.Sprintf("toStartOfInterval(timestamp, INTERVAL %d SECOND)", int64(span.Seconds()))
}

func (columnarDialect) CountIf(cond string) string {
	return fmt.Sprintf("countIf(%s)", cond)
}

func (columnarDialect) MatchCond(ref, pattern string) (string, storage.Param) {
	if regexMeta(pattern) {
		return fmt.Sprintf("match(%s, ?)", ref), storage.String("(?i)" + pattern)
	}
	return fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", ref), storage.String(pattern)
}

func (columnarDialect) SubstringCond(ref string) string {
	return fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", ref)
}

func (columnarDialect) LikeCond(ref, pattern string) (string, storage.Param) {
	return fmt.Sprintf("%s LIKE ?", ref), storage.String(wildcardToLike(pattern))
}

func (columnarDialect) Aggregate(call dsl.AggCall, ref, num string) (string, ColumnShape) {
	switch call.Func {
	case "count":
		return "count()", ColumnShape{}
	case "sum":
		return fmt.Sprintf("sum(%s)", num), ColumnShape{}
	case "avg":
		return fmt.Sprintf("avg(%s)", num), ColumnShape{}
	case "min":
		return fmt.Sprintf("min(%s)", ref), ColumnShape{}
	case "max":
		return fmt.Sprintf("max(%s)", ref), ColumnShape{}
	case "dc":
		return fmt.Sprintf("uniqExact(%s)", ref), ColumnShape{}
	case "values":
		return fmt.Sprintf("groupUniqArray(toString(%s))", ref), ColumnShape{}
	case "list":
		return fmt.Sprintf("groupArray(toString(%s))", ref), ColumnShape{}
	case "earliest":
		return fmt.Sprintf("argMin(%s, timestamp)", ref), ColumnShape{}
	case "latest":
		return fmt.Sprintf("argMax(%s, timestamp)", ref), ColumnShape{}
	case "first":
		return fmt.Sprintf("any(%s)", ref), ColumnShape{}
	case "last":
		return fmt.Sprintf("anyLast(%s)", ref), ColumnShape{}
	case "median":
		return fmt.Sprintf("quantile(0.5)(%s)", num), ColumnShape{}
	case "p50", "p90", "p95", "p99":
		q := quantileFor(call.Func)
		return fmt.Sprintf("quantile(%g)(%s)", q, num), ColumnShape{}
	case "mode":
		return fmt.Sprintf("topK(1)(toString(%s))", ref), ColumnShape{Kind: ShapeFirstElement}
	case "stddev":
		return fmt.Sprintf("stddevPop(%s)", num), ColumnShape{}
	case "variance":
		return fmt.Sprintf("varPop(%s)", num), ColumnShape{}
	case "range":
		return fmt.Sprintf("max(%s) - min(%s)", num, num), ColumnShape{}
	}
	return "", ColumnShape{}
}

// ---- relational (SQLite) ----

type relationalDialect struct{}

func (relationalDialect) Backend() storage.Backend { return storage.BackendRelational }

func (relationalDialect) ColumnRef(field string) string {
	if dsl.IsEventColumn(field) {
		return field
	}
	return fmt.Sprintf(`json_extract(structured_data, '$."%s"')`, escapeSQLString(structuredKey(field)))
}

func (d relationalDialect) NumericRef(field string) string {
	if dsl.IsEventColumn(field) {
		return field
	}
	return fmt.Sprintf("CAST(%s AS REAL)", d.ColumnRef(field))
}

func (relationalDialect) TimeBucket(span time.Duration) string {
	s := int64(span.Seconds())
	return fmt.Sprintf("datetime((CAST(strftime('%%s', timestamp) AS INTEGER) / %d) * %d, 'unixepoch')", s, s)
}

func (relationalDialect) CountIf(cond string) string {
	return fmt.Sprintf("SUM(CASE WHEN %s THEN 1 ELSE 0 END)", cond)
}

func (relationalDialect) MatchCond(ref, pattern string) (string, storage.Param) {
	if regexMeta(pattern) {
		// The regexp() function is registered by the SQLite adapter.
		return fmt.Sprintf("%s REGEXP ?", ref), storage.String("(?i)" + pattern)
	}
	return fmt.Sprintf("instr(lower(%s), lower(?)) > 0", ref), storage.String(pattern)
}

func (relationalDialect) SubstringCond(ref string) string {
	return fmt.Sprintf("instr(lower(%s), lower(?)) > 0", ref)
}

func (relationalDialect) LikeCond(ref, pattern string) (string, storage.Param) {
	return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, ref), storage.String(wildcardToLike(pattern))
}

// sqliteTimeWidth is the byte length of stored timestamp text; the
// tagged min/max trick for earliest/latest slices values off after
// the timestamp and a unit-separator byte.
const sqliteTimeWidth = 23

func (relationalDialect) Aggregate(call dsl.AggCall, ref, num string) (string, ColumnShape) {
	text := fmt.Sprintf("CAST(%s AS TEXT)", ref)
	switch call.Func {
	case "count":
		return "COUNT(*)", ColumnShape{}
	case "sum":
		return fmt.Sprintf("SUM(%s)", num), ColumnShape{}
	case "avg":
		return fmt.Sprintf("AVG(%s)", num), ColumnShape{}
	case "min":
		return fmt.Sprintf("MIN(%s)", ref), ColumnShape{}
	case "max":
		return fmt.Sprintf("MAX(%s)", ref), ColumnShape{}
	case "dc":
		return fmt.Sprintf("COUNT(DISTINCT %s)", ref), ColumnShape{}
	case "values":
		return fmt.Sprintf("json_group_array(DISTINCT %s)", text), ColumnShape{Kind: ShapeJSONArray}
	case "list":
		return fmt.Sprintf("json_group_array(%s)", text), ColumnShape{Kind: ShapeJSONArray}
	case "earliest":
		return fmt.Sprintf("substr(MIN(timestamp || char(31) || %s), %d)", text, sqliteTimeWidth+2), ColumnShape{}
	case "latest":
		return fmt.Sprintf("substr(MAX(timestamp || char(31) || %s), %d)", text, sqliteTimeWidth+2), ColumnShape{}
	case "first":
		return fmt.Sprintf("substr(MIN(printf('%%020d', rowid) || char(31) || %s), 22)", text), ColumnShape{}
	case "last":
		return fmt.Sprintf("substr(MAX(printf('%%020d', rowid) || char(31) || %s), 22)", text), ColumnShape{}
	case "median":
		return fmt.Sprintf("json_group_array(%s)", num), ColumnShape{Kind: ShapeQuantileFromArray, Quantile: 0.5}
	case "p50", "p90", "p95", "p99":
		return fmt.Sprintf("json_group_array(%s)", num), ColumnShape{Kind: ShapeQuantileFromArray, Quantile: quantileFor(call.Func)}
	case "mode":
		return fmt.Sprintf("json_group_array(%s)", text), ColumnShape{Kind: ShapeModeFromArray}
	case "stddev":
		return fmt.Sprintf("sqrt(max(AVG(%s*%s) - AVG(%s)*AVG(%s), 0))", num, num, num, num), ColumnShape{}
	case "variance":
		return fmt.Sprintf("max(AVG(%s*%s) - AVG(%s)*AVG(%s), 0)", num, num, num, num), ColumnShape{}
	case "range":
		return fmt.Sprintf("MAX(%s) - MIN(%s)", num, num), ColumnShape{}
	}
	return "", ColumnShape{}
}

func quantileFor(fn string) float64 {
	switch fn {
	case "p50", "median":
		return 0.5
	case "p90":
		return 0.9
	case "p95":
		return 0.95
	case "p99":
		return 0.99
	}
	return 0.5
}

// escapeSQLString escapes a trusted identifier-ish fragment embedded
// in a map key or JSON path. User *values* are always bound as
// parameters; this only guards field names.
func escapeSQLString(s string) string {
	return strings.NewReplacer(`'`, `''`, `\`, `\\`, `"`, ``).Replace(s)
}

// wildcardToLike converts a '*' wildcard value to a LIKE pattern,
// escaping LIKE metacharacters.
func wildcardToLike(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
