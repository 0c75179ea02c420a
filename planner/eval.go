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
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/storage"
)

// ---- SQL lowering ----

// lowerEvalExpr translates an eval expression to SQL. The second
// return is false when the expression must run client-side.
func (c *compiler) lowerEvalExpr(e dsl.Expr) (string, bool) {
	switch x := e.(type) {
	case *dsl.LiteralExpr:
		return sqlLiteral(x.Value), true
	case *dsl.FieldExpr:
		return c.numOrTextRef(x.Name), true
	case *dsl.BinaryExpr:
		return c.lowerBinary(x)
	case *dsl.CallExpr:
		return c.lowerCall(x)
	case *dsl.CondExpr:
		return c.lowerCond(x)
	}
	return "", false
}

// numOrTextRef picks the raw reference for string-typed physical
// columns and the numeric coercion for everything else; arithmetic on
// structured fields needs the cast, string functions tolerate it.
func (c *compiler) numOrTextRef(field string) string {
	if e, ok := c.env[field]; ok {
		return "(" + e + ")"
	}
	if dsl.IsEventColumn(field) {
		return field
	}
	return c.d.ColumnRef(field)
}

func sqlLiteral(v dsl.Value) string {
	switch v.Kind {
	case dsl.ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case dsl.ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	default:
		return "'" + strings.ReplaceAll(v.Str, "'", "''") + "'"
	}
}

func (c *compiler) lowerBinary(e *dsl.BinaryExpr) (string, bool) {
	l, ok := c.lowerEvalExpr(e.Left)
	if !ok {
		return "", false
	}
	r, ok := c.lowerEvalExpr(e.Right)
	if !ok {
		return "", false
	}
	switch e.Op {
	case dsl.BinDiv:
		// Division by zero yields null on both backends.
		if c.d.Backend() == storage.BackendColumnar {
			return fmt.Sprintf("if((%s) = 0, NULL, (%s) / (%s))", r, l, r), true
		}
		return fmt.Sprintf("CASE WHEN (%s) = 0 THEN NULL ELSE CAST(%s AS REAL) / (%s) END", r, l, r), true
	case dsl.BinMod:
		if c.d.Backend() == storage.BackendColumnar {
			return fmt.Sprintf("if((%s) = 0, NULL, modulo(%s, %s))", r, l, r), true
		}
		return fmt.Sprintf("CASE WHEN (%s) = 0 THEN NULL ELSE (%s) %% (%s) END", r, l, r), true
	default:
		return fmt.Sprintf("(%s) %s (%s)", l, e.Op, r), true
	}
}

func (c *compiler) lowerCond(e *dsl.CondExpr) (string, bool) {
	if e.Op == dsl.OpMatches {
		return "", false
	}
	l, ok := c.lowerEvalExpr(e.Left)
	if !ok {
		return "", false
	}
	r, ok := c.lowerEvalExpr(e.Right)
	if !ok {
		return "", false
	}
	op := string(e.Op)
	if e.Op == dsl.OpNeq {
		op = "!="
	}
	return fmt.Sprintf("(%s) %s (%s)", l, op, r), true
}

func (c *compiler) lowerCall(e *dsl.CallExpr) (string, bool) {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		s, ok := c.lowerEvalExpr(a)
		if !ok {
			return "", false
		}
		args[i] = s
	}
	columnar := c.d.Backend() == storage.BackendColumnar

	switch e.Func {
	case "if":
		if columnar {
			return fmt.Sprintf("if(%s, %s, %s)", args[0], args[1], args[2]), true
		}
		return fmt.Sprintf("CASE WHEN %s THEN %s ELSE %s END", args[0], args[1], args[2]), true
	case "case":
		var b strings.Builder
		b.WriteString("CASE")
		i := 0
		for ; i+1 < len(args); i += 2 {
			fmt.Fprintf(&b, " WHEN %s THEN %s", args[i], args[i+1])
		}
		if i < len(args) {
			fmt.Fprintf(&b, " ELSE %s", args[i])
		}
		b.WriteString(" END")
		return b.String(), true
	case "coalesce":
		return "coalesce(" + strings.Join(args, ", ") + ")", true
	case "abs", "round", "sqrt", "pow", "lower", "upper", "trim", "replace", "substr":
		return e.Func + "(" + strings.Join(args, ", ") + ")", true
	case "ceil":
		if columnar {
			return "ceil(" + args[0] + ")", true
		}
		return "ceiling(" + args[0] + ")", true
	case "floor":
		return "floor(" + args[0] + ")", true
	case "len":
		return "length(" + args[0] + ")", true
	case "tostring":
		if columnar {
			return "toString(" + args[0] + ")", true
		}
		return "CAST(" + args[0] + " AS TEXT)", true
	case "tonumber":
		if columnar {
			return "toFloat64OrNull(" + args[0] + ")", true
		}
		return "CAST(" + args[0] + " AS REAL)", true
	case "now":
		if columnar {
			return "now64(3)", true
		}
		return "strftime('%Y-%m-%d %H:%M:%f', 'now')", true
	}
	return "", false
}

// ---- client-side evaluation ----

// evalExpr evaluates an eval expression over one result row. Missing
// fields and division by zero yield nil.
func evalExpr(e dsl.Expr, row map[string]any, now time.Time) any {
	switch x := e.(type) {
	case *dsl.LiteralExpr:
		switch x.Value.Kind {
		case dsl.ValueInt:
			return float64(x.Value.Int)
		case dsl.ValueFloat:
			return x.Value.Float
		default:
			return x.Value.Str
		}
	case *dsl.FieldExpr:
		return rowField(row, x.Name)
	case *dsl.BinaryExpr:
		return evalBinary(x, row, now)
	case *dsl.CallExpr:
		return evalCall(x, row, now)
	case *dsl.CondExpr:
		return evalCond(x, row, now)
	}
	return nil
}

func evalBinary(e *dsl.BinaryExpr, row map[string]any, now time.Time) any {
	l, lok := toFloat(evalExpr(e.Left, row, now))
	r, rok := toFloat(evalExpr(e.Right, row, now))
	if e.Op == dsl.BinAdd {
		// '+' concatenates when either side is non-numeric.
		if !lok || !rok {
			return toText(evalExpr(e.Left, row, now)) + toText(evalExpr(e.Right, row, now))
		}
		return l + r
	}
	if !lok || !rok {
		return nil
	}
	switch e.Op {
	case dsl.BinSub:
		return l - r
	case dsl.BinMul:
		return l * r
	case dsl.BinDiv:
		if r == 0 {
			return nil
		}
		return l / r
	case dsl.BinMod:
		if r == 0 {
			return nil
		}
		return math.Mod(l, r)
	}
	return nil
}

func evalCond(e *dsl.CondExpr, row map[string]any, now time.Time) any {
	l := evalExpr(e.Left, row, now)
	r := evalExpr(e.Right, row, now)
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch e.Op {
		case dsl.OpEq:
			return lf == rf
		case dsl.OpNeq:
			return lf != rf
		case dsl.OpLt:
			return lf < rf
		case dsl.OpLte:
			return lf <= rf
		case dsl.OpGt:
			return lf > rf
		case dsl.OpGte:
			return lf >= rf
		}
	}
	ls, rs := toText(l), toText(r)
	switch e.Op {
	case dsl.OpEq:
		return ls == rs
	case dsl.OpNeq:
		return ls != rs
	case dsl.OpLt:
		return ls < rs
	case dsl.OpLte:
		return ls <= rs
	case dsl.OpGt:
		return ls > rs
	case dsl.OpGte:
		return ls >= rs
	case dsl.OpMatches:
		return strings.Contains(strings.ToLower(ls), strings.ToLower(rs))
	}
	return false
}

func evalCall(e *dsl.CallExpr, row map[string]any, now time.Time) any {
	arg := func(i int) any { return evalExpr(e.Args[i], row, now) }

	switch e.Func {
	case "if":
		if truthy(arg(0)) {
			return arg(1)
		}
		return arg(2)
	case "case":
		i := 0
		for ; i+1 < len(e.Args); i += 2 {
			if truthy(arg(i)) {
				return arg(i + 1)
			}
		}
		if i < len(e.Args) {
			return arg(i)
		}
		return nil
	case "coalesce":
		for i := range e.Args {
			if v := arg(i); v != nil && toText(v) != "" {
				return v
			}
		}
		return nil
	case "abs":
		return mapFloat(arg(0), math.Abs)
	case "ceil":
		return mapFloat(arg(0), math.Ceil)
	case "floor":
		return mapFloat(arg(0), math.Floor)
	case "sqrt":
		return mapFloat(arg(0), func(f float64) float64 {
			if f < 0 {
				return math.NaN()
			}
			return math.Sqrt(f)
		})
	case "round":
		f, ok := toFloat(arg(0))
		if !ok {
			return nil
		}
		digits := 0.0
		if len(e.Args) == 2 {
			if d, ok := toFloat(arg(1)); ok {
				digits = d
			}
		}
		scale := math.Pow(10, digits)
		return math.Round(f*scale) / scale
	case "pow":
		a, aok := toFloat(arg(0))
		b, bok := toFloat(arg(1))
		if !aok || !bok {
			return nil
		}
		return math.Pow(a, b)
	case "len":
		return float64(len(toText(arg(0))))
	case "lower":
		return strings.ToLower(toText(arg(0)))
	case "upper":
		return strings.ToUpper(toText(arg(0)))
	case "trim":
		return strings.TrimSpace(toText(arg(0)))
	case "substr":
		s := toText(arg(0))
		start, _ := toFloat(arg(1))
		// 1-based, SQL style.
		i := int(start) - 1
		if i < 0 {
			i = 0
		}
		if i >= len(s) {
			return ""
		}
		out := s[i:]
		if len(e.Args) == 3 {
			if n, ok := toFloat(arg(2)); ok && int(n) < len(out) {
				out = out[:int(n)]
			}
		}
		return out
	case "replace":
		return strings.ReplaceAll(toText(arg(0)), toText(arg(1)), toText(arg(2)))
	case "tostring":
		return toText(arg(0))
	case "tonumber":
		f, ok := toFloat(arg(0))
		if !ok {
			return nil
		}
		return f
	case "now":
		return now.UTC().Format("2006-01-02 15:04:05.000")
	}
	return nil
}

func mapFloat(v any, f func(float64) float64) any {
	x, ok := toFloat(v)
	if !ok {
		return nil
	}
	return f(x)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return toText(v) != ""
}

// rowField resolves a field from a result row, falling back to the
// structured_data map for extracted fields.
func rowField(row map[string]any, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	key := strings.TrimPrefix(name, "structured.")
	if v, ok := row[key]; ok {
		return v
	}
	switch sd := row["structured_data"].(type) {
	case map[string]string:
		if v, ok := sd[key]; ok {
			return v
		}
	case map[string]any:
		if v, ok := sd[key]; ok {
			return v
		}
	case string:
		// Relational backend returns JSON text.
		if v, ok := jsonLookup(sd, key); ok {
			return v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.000")
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}
