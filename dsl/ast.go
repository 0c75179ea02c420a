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

package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pipeline is the root of a parsed query: an ordered sequence of
// stages joined by '|'. String() renders a canonical form that
// re-parses to an equivalent pipeline.
type Pipeline struct {
	Stages []Stage
}

func (p *Pipeline) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Stage is one command in a pipeline. The concrete types form a
// closed sum; the planner switches over them.
type Stage interface {
	fmt.Stringer
	stageNode()
}

// CompareOp is a comparison operator in a filter leaf.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNeq CompareOp = "!="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
	// OpMatches is substring/regex match. Matching is case-insensitive;
	// plain values match as substrings, values containing regex
	// metacharacters are compiled as regular expressions.
	OpMatches CompareOp = "~"
)

// ValueKind discriminates literal values.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
	ValueFloat
)

// Value is a literal operand. Quoted reports whether it came from a
// double-quoted string, which matters for round-trip printing only.
type Value struct {
	Kind   ValueKind
	Str    string
	Int    int64
	Float  float64
	Quoted bool
}

func StringValue(s string) Value { return Value{Kind: ValueString, Str: s, Quoted: true} }
func IntValue(i int64) Value     { return Value{Kind: ValueInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: ValueFloat, Float: f} }

func (v Value) String() string {
	switch v.Kind {
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	default:
		if v.Quoted || v.Str == "" || strings.ContainsAny(v.Str, " \t|()=<>~!,\"") {
			return strconv.Quote(v.Str)
		}
		return v.Str
	}
}

// AsFloat returns the numeric interpretation of the value and whether
// one exists.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case ValueInt:
		return float64(v.Int), true
	case ValueFloat:
		return v.Float, true
	default:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
}

// FilterExpr is a boolean filter tree used by search and where.
type FilterExpr interface {
	fmt.Stringer
	filterNode()
}

type AndExpr struct{ Left, Right FilterExpr }
type OrExpr struct{ Left, Right FilterExpr }
type NotExpr struct{ Expr FilterExpr }

// CompareExpr is a leaf comparison against a canonical field name.
// Field names beginning with "structured." address extracted fields
// by dotted path.
type CompareExpr struct {
	Field string
	Op    CompareOp
	Value Value
}

// TermExpr is a bare search term matched against the message column.
type TermExpr struct{ Term string }

// AllExpr matches every event ('*').
type AllExpr struct{}

func (*AndExpr) filterNode()     {}
func (*OrExpr) filterNode()      {}
func (*NotExpr) filterNode()     {}
func (*CompareExpr) filterNode() {}
func (*TermExpr) filterNode()    {}
func (*AllExpr) filterNode()     {}

func (e *AndExpr) String() string {
	return fmt.Sprintf("%s %s", filterOperand(e.Left), filterOperand(e.Right))
}

func (e *OrExpr) String() string {
	return fmt.Sprintf("%s OR %s", filterOperand(e.Left), filterOperand(e.Right))
}

func (e *NotExpr) String() string {
	return fmt.Sprintf("NOT %s", filterOperand(e.Expr))
}

// filterOperand parenthesizes nested boolean operators so the printed
// form re-parses with the same precedence.
func filterOperand(e FilterExpr) string {
	switch e.(type) {
	case *OrExpr, *AndExpr:
		return "(" + e.String() + ")"
	default:
		return e.String()
	}
}

func (e *CompareExpr) String() string {
	return fmt.Sprintf("%s%s%s", e.Field, e.Op, e.Value)
}

func (e *TermExpr) String() string {
	if strings.ContainsAny(e.Term, " \t|()=<>~!,\"") {
		return strconv.Quote(e.Term)
	}
	return e.Term
}

func (e *AllExpr) String() string { return "*" }

// AggCall is an aggregation invocation inside stats or timechart.
// Column() is the name of the produced result column.
type AggCall struct {
	Func  string // count, sum, avg, ... (validated against Aggregations)
	Field string // empty for count
}

func (a AggCall) Column() string {
	if a.Field == "" {
		return a.Func
	}
	return fmt.Sprintf("%s(%s)", a.Func, a.Field)
}

func (a AggCall) String() string {
	if a.Field == "" {
		return a.Func
	}
	return fmt.Sprintf("%s(%s)", a.Func, a.Field)
}

type SortKey struct {
	Field string
	Desc  bool
}

func (k SortKey) String() string {
	if k.Desc {
		return "desc " + k.Field
	}
	return "asc " + k.Field
}

type RenamePair struct {
	From string
	To   string
}

type EvalBinding struct {
	Name string
	Expr Expr
}

// Stage variants.

type SearchStage struct{ Filter FilterExpr }
type WhereStage struct{ Cond FilterExpr }

type StatsStage struct {
	Aggs []AggCall
	By   []string
}

type TimechartStage struct {
	Span time.Duration
	Aggs []AggCall
	By   []string
}

type SortStage struct{ Keys []SortKey }
type LimitStage struct{ N int }
type HeadStage struct{ N int }
type TailStage struct{ N int }
type DedupStage struct{ Fields []string }
type TableStage struct{ Fields []string }

type FieldsStage struct {
	Exclude bool
	Fields  []string
}

type RenameStage struct{ Pairs []RenamePair }
type EvalStage struct{ Bindings []EvalBinding }

type TopStage struct {
	N     int
	Field string
}

type RareStage struct {
	N     int
	Field string
}

type BinStage struct {
	Span  time.Duration
	Field string
}

type RexStage struct {
	Field   string
	Pattern string
}

func (*SearchStage) stageNode()    {}
func (*WhereStage) stageNode()     {}
func (*StatsStage) stageNode()     {}
func (*TimechartStage) stageNode() {}
func (*SortStage) stageNode()      {}
func (*LimitStage) stageNode()     {}
func (*HeadStage) stageNode()      {}
func (*TailStage) stageNode()      {}
func (*DedupStage) stageNode()     {}
func (*TableStage) stageNode()     {}
func (*FieldsStage) stageNode()    {}
func (*RenameStage) stageNode()    {}
func (*EvalStage) stageNode()      {}
func (*TopStage) stageNode()       {}
func (*RareStage) stageNode()      {}
func (*BinStage) stageNode()       {}
func (*RexStage) stageNode()       {}

func (s *SearchStage) String() string { return "search " + s.Filter.String() }
func (s *WhereStage) String() string  { return "where " + s.Cond.String() }

func joinAggs(aggs []AggCall) string {
	parts := make([]string, len(aggs))
	for i, a := range aggs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func (s *StatsStage) String() string {
	out := "stats " + joinAggs(s.Aggs)
	if len(s.By) > 0 {
		out += " by " + strings.Join(s.By, ", ")
	}
	return out
}

func (s *TimechartStage) String() string {
	out := fmt.Sprintf("timechart span=%s %s", FormatDuration(s.Span), joinAggs(s.Aggs))
	if len(s.By) > 0 {
		out += " by " + strings.Join(s.By, ", ")
	}
	return out
}

func (s *SortStage) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		parts[i] = k.String()
	}
	return "sort " + strings.Join(parts, ", ")
}

func (s *LimitStage) String() string { return fmt.Sprintf("limit %d", s.N) }
func (s *HeadStage) String() string  { return fmt.Sprintf("head %d", s.N) }
func (s *TailStage) String() string  { return fmt.Sprintf("tail %d", s.N) }

func (s *DedupStage) String() string { return "dedup " + strings.Join(s.Fields, ", ") }
func (s *TableStage) String() string { return "table " + strings.Join(s.Fields, ", ") }

func (s *FieldsStage) String() string {
	if s.Exclude {
		return "fields - " + strings.Join(s.Fields, ", ")
	}
	return "fields " + strings.Join(s.Fields, ", ")
}

func (s *RenameStage) String() string {
	parts := make([]string, len(s.Pairs))
	for i, p := range s.Pairs {
		parts[i] = fmt.Sprintf("%s as %s", p.From, p.To)
	}
	return "rename " + strings.Join(parts, ", ")
}

func (s *EvalStage) String() string {
	parts := make([]string, len(s.Bindings))
	for i, b := range s.Bindings {
		parts[i] = fmt.Sprintf("%s=%s", b.Name, b.Expr)
	}
	return "eval " + strings.Join(parts, ", ")
}

func (s *TopStage) String() string  { return fmt.Sprintf("top %d %s", s.N, s.Field) }
func (s *RareStage) String() string { return fmt.Sprintf("rare %d %s", s.N, s.Field) }

func (s *BinStage) String() string {
	return fmt.Sprintf("bin span=%s %s", FormatDuration(s.Span), s.Field)
}

func (s *RexStage) String() string {
	return fmt.Sprintf("rex field=%s %s", s.Field, strconv.Quote(s.Pattern))
}

// Expr is a scalar expression inside eval.
type Expr interface {
	fmt.Stringer
	exprNode()
}

type BinaryOp string

const (
	BinAdd BinaryOp = "+"
	BinSub BinaryOp = "-"
	BinMul BinaryOp = "*"
	BinDiv BinaryOp = "/"
	BinMod BinaryOp = "%"
)

type BinaryExpr struct {
	Op          BinaryOp
	Left, Right Expr
}

type FieldExpr struct{ Name string }
type LiteralExpr struct{ Value Value }

// CallExpr covers scalar functions, including the conditionals if,
// case and coalesce.
type CallExpr struct {
	Func string
	Args []Expr
}

// CondExpr is a comparison usable as a function argument, e.g. the
// first argument of if().
type CondExpr struct {
	Op          CompareOp
	Left, Right Expr
}

func (*BinaryExpr) exprNode()  {}
func (*FieldExpr) exprNode()   {}
func (*LiteralExpr) exprNode() {}
func (*CallExpr) exprNode()    {}
func (*CondExpr) exprNode()    {}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("%s %s %s", evalOperand(e.Left), e.Op, evalOperand(e.Right))
}

func evalOperand(e Expr) string {
	if _, ok := e.(*BinaryExpr); ok {
		return "(" + e.String() + ")"
	}
	return e.String()
}

func (e *FieldExpr) String() string   { return e.Name }
func (e *LiteralExpr) String() string { return e.Value.String() }

func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Func, strings.Join(args, ", "))
}

func (e *CondExpr) String() string {
	return fmt.Sprintf("%s%s%s", e.Left, e.Op, e.Right)
}
