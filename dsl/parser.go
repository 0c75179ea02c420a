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
	"strconv"
	"strings"
	"time"
)

// MaxQueryBytes bounds the accepted query size.
const MaxQueryBytes = 50 * 1024

var knownCommands = map[string]bool{
	"search": true, "where": true, "stats": true, "timechart": true,
	"sort": true, "limit": true, "head": true, "tail": true,
	"dedup": true, "table": true, "fields": true, "rename": true,
	"eval": true, "top": true, "rare": true, "bin": true, "rex": true,
}

// Parse turns a query string into a Pipeline. A leading "search" is
// implicit when the first token is not a known command. Unknown
// fields are not parse errors; unknown commands are.
func Parse(query string) (*Pipeline, error) {
	if len(query) > MaxQueryBytes {
		return nil, parseErrorf(1, 1, "query exceeds %d bytes", MaxQueryBytes)
	}
	if strings.TrimSpace(query) == "" {
		return nil, parseErrorf(1, 1, "empty query")
	}
	toks, perr := lexAll(query)
	if perr != nil {
		return nil, perr
	}
	p := &parser{toks: toks}

	// Implicit leading search.
	if first := p.cur(); first.typ != tokWord || !knownCommands[strings.ToLower(first.lit)] {
		filter, err := p.parseFilter(true)
		if err != nil {
			return nil, err
		}
		p.pipeline.Stages = append(p.pipeline.Stages, &SearchStage{Filter: filter})
		if err := p.expectPipeOrEOF(); err != nil {
			return nil, err
		}
	}

	for p.cur().typ != tokEOF {
		if err := p.parseStage(); err != nil {
			return nil, err
		}
		if err := p.expectPipeOrEOF(); err != nil {
			return nil, err
		}
	}
	if len(p.pipeline.Stages) == 0 {
		return nil, parseErrorf(1, 1, "empty query")
	}
	return &p.pipeline, nil
}

type parser struct {
	toks     []token
	pos      int
	pipeline Pipeline
}

func (p *parser) cur() token { return p.toks[p.pos] }

func (p *parser) peek() token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errHere(format string, args ...any) *ParseError {
	t := p.cur()
	return parseErrorf(t.line, t.column, format, args...)
}

// atStageEnd reports whether the current token terminates a stage.
func (p *parser) atStageEnd() bool {
	return p.cur().typ == tokPipe || p.cur().typ == tokEOF
}

func (p *parser) expectPipeOrEOF() *ParseError {
	switch p.cur().typ {
	case tokEOF:
		return nil
	case tokPipe:
		p.advance()
		if p.cur().typ == tokEOF {
			return p.errHere("trailing '|'")
		}
		return nil
	default:
		return p.errHere("unexpected %s; expected '|' or end of query", p.cur().describe())
	}
}

// wordIs reports whether the current token is the given bareword,
// case-insensitively.
func (p *parser) wordIs(s string) bool {
	return p.cur().typ == tokWord && strings.EqualFold(p.cur().lit, s)
}

func (p *parser) parseStage() *ParseError {
	tok := p.cur()
	if tok.typ != tokWord {
		return p.errHere("expected a command, got %s", tok.describe())
	}
	cmd := strings.ToLower(tok.lit)
	if !knownCommands[cmd] {
		return p.errHere("unknown command %q", tok.lit)
	}
	p.advance()

	var stage Stage
	var err *ParseError
	switch cmd {
	case "search":
		stage, err = p.parseSearch()
	case "where":
		stage, err = p.parseWhere()
	case "stats":
		stage, err = p.parseStats()
	case "timechart":
		stage, err = p.parseTimechart()
	case "sort":
		stage, err = p.parseSort()
	case "limit", "head", "tail":
		stage, err = p.parseCount(cmd)
	case "dedup", "table":
		stage, err = p.parseFieldList(cmd)
	case "fields":
		stage, err = p.parseFields()
	case "rename":
		stage, err = p.parseRename()
	case "eval":
		stage, err = p.parseEval()
	case "top", "rare":
		stage, err = p.parseTopRare(cmd)
	case "bin":
		stage, err = p.parseBin()
	case "rex":
		stage, err = p.parseRex()
	}
	if err != nil {
		return err
	}
	p.pipeline.Stages = append(p.pipeline.Stages, stage)
	return nil
}

func (p *parser) parseSearch() (Stage, *ParseError) {
	filter, err := p.parseFilter(true)
	if err != nil {
		return nil, err
	}
	return &SearchStage{Filter: filter}, nil
}

func (p *parser) parseWhere() (Stage, *ParseError) {
	if p.atStageEnd() {
		return nil, p.errHere("where requires a condition")
	}
	cond, err := p.parseFilter(false)
	if err != nil {
		return nil, err
	}
	return &WhereStage{Cond: cond}, nil
}

// parseFilter parses a boolean filter expression. allowEmpty permits
// a bare "search" stage, which matches everything.
func (p *parser) parseFilter(allowEmpty bool) (FilterExpr, *ParseError) {
	if p.atStageEnd() {
		if allowEmpty {
			return &AllExpr{}, nil
		}
		return nil, p.errHere("expected a filter expression")
	}
	return p.parseOr()
}

func (p *parser) parseOr() (FilterExpr, *ParseError) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.wordIs("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

// parseAnd handles both the explicit AND keyword and juxtaposition:
// `host=a severity<=3` is the conjunction of both comparisons.
func (p *parser) parseAnd() (FilterExpr, *ParseError) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if p.wordIs("and") {
			p.advance()
		} else if p.atStageEnd() || p.cur().typ == tokRParen || p.wordIs("or") {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (FilterExpr, *ParseError) {
	if p.wordIs("not") {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.cur().typ == tokLParen {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur().typ != tokRParen {
			return nil, p.errHere("expected ')', got %s", p.cur().describe())
		}
		p.advance()
		return inner, nil
	}
	return p.parseFilterLeaf()
}

func compareOpFor(t tokenType) (CompareOp, bool) {
	switch t {
	case tokEq:
		return OpEq, true
	case tokNeq:
		return OpNeq, true
	case tokLt:
		return OpLt, true
	case tokLte:
		return OpLte, true
	case tokGt:
		return OpGt, true
	case tokGte:
		return OpGte, true
	case tokMatch:
		return OpMatches, true
	}
	return "", false
}

func (p *parser) parseFilterLeaf() (FilterExpr, *ParseError) {
	tok := p.cur()
	switch tok.typ {
	case tokString:
		p.advance()
		return &TermExpr{Term: tok.lit}, nil
	case tokWord:
		if tok.lit == "*" {
			p.advance()
			return &AllExpr{}, nil
		}
		if op, ok := compareOpFor(p.peek().typ); ok {
			p.advance() // field
			p.advance() // operator
			value, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			return &CompareExpr{Field: CanonicalField(tok.lit), Op: op, Value: value}, nil
		}
		p.advance()
		return &TermExpr{Term: tok.lit}, nil
	default:
		return nil, p.errHere("expected a filter term, got %s", tok.describe())
	}
}

// parseValue reads a literal comparison operand and classifies it as
// int, float or string.
func (p *parser) parseValue() (Value, *ParseError) {
	negative := false
	if p.cur().typ == tokMinus {
		negative = true
		p.advance()
	}
	tok := p.cur()
	switch tok.typ {
	case tokString:
		if negative {
			return Value{}, p.errHere("unexpected '-' before string")
		}
		p.advance()
		return StringValue(tok.lit), nil
	case tokWord:
		p.advance()
		return classifyWord(tok.lit, negative), nil
	default:
		return Value{}, p.errHere("expected a value, got %s", tok.describe())
	}
}

func classifyWord(lit string, negative bool) Value {
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		if negative {
			i = -i
		}
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		if negative {
			f = -f
		}
		return FloatValue(f)
	}
	if negative {
		lit = "-" + lit
	}
	return Value{Kind: ValueString, Str: lit}
}

// Aggregations is the set of supported aggregation functions and
// whether each requires a field argument.
var Aggregations = map[string]bool{
	"count": false,
	"sum":   true, "avg": true, "min": true, "max": true,
	"dc": true, "values": true, "list": true,
	"earliest": true, "latest": true, "first": true, "last": true,
	"median": true, "mode": true, "stddev": true, "variance": true,
	"range": true,
	"p50":   true, "p90": true, "p95": true, "p99": true,
}

func (p *parser) parseAggList() ([]AggCall, *ParseError) {
	var aggs []AggCall
	for {
		tok := p.cur()
		if tok.typ != tokWord {
			return nil, p.errHere("expected an aggregation function, got %s", tok.describe())
		}
		fn := strings.ToLower(tok.lit)
		p.advance()
		call := AggCall{Func: fn}
		if p.cur().typ == tokLParen {
			p.advance()
			if p.cur().typ == tokWord {
				call.Field = CanonicalField(p.advance().lit)
			}
			if p.cur().typ != tokRParen {
				return nil, p.errHere("expected ')' after aggregation argument")
			}
			p.advance()
		}
		aggs = append(aggs, call)
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		return aggs, nil
	}
}

// parseByClause consumes an optional `by field[, field...]` clause.
// Fields may be separated by commas or whitespace.
func (p *parser) parseByClause() ([]string, *ParseError) {
	if !p.wordIs("by") {
		return nil, nil
	}
	p.advance()
	var fields []string
	for {
		if p.cur().typ != tokWord {
			if len(fields) == 0 {
				return nil, p.errHere("expected a field name after 'by'")
			}
			return fields, nil
		}
		fields = append(fields, CanonicalField(p.advance().lit))
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.atStageEnd() {
			return fields, nil
		}
	}
}

func (p *parser) parseStats() (Stage, *ParseError) {
	if p.atStageEnd() {
		return nil, p.errHere("stats requires at least one aggregation")
	}
	aggs, err := p.parseAggList()
	if err != nil {
		return nil, err
	}
	by, err := p.parseByClause()
	if err != nil {
		return nil, err
	}
	return &StatsStage{Aggs: aggs, By: by}, nil
}

func (p *parser) parseTimechart() (Stage, *ParseError) {
	stage := &TimechartStage{Span: defaultTimechartSpan}
	if p.wordIs("span") && p.peek().typ == tokEq {
		p.advance()
		p.advance()
		tok := p.cur()
		if tok.typ != tokWord {
			return nil, p.errHere("expected a duration after span=")
		}
		span, err := ParseDuration(tok.lit)
		if err != nil {
			return nil, p.errHere("%v", err)
		}
		stage.Span = span
		p.advance()
	}
	if p.atStageEnd() {
		return nil, p.errHere("timechart requires at least one aggregation")
	}
	aggs, perr := p.parseAggList()
	if perr != nil {
		return nil, perr
	}
	stage.Aggs = aggs
	by, perr := p.parseByClause()
	if perr != nil {
		return nil, perr
	}
	stage.By = by
	return stage, nil
}

const defaultTimechartSpan = time.Minute

func (p *parser) parseSort() (Stage, *ParseError) {
	var keys []SortKey
	for {
		key := SortKey{}
		switch {
		case p.wordIs("desc"):
			key.Desc = true
			p.advance()
		case p.wordIs("asc"):
			p.advance()
		case p.cur().typ == tokMinus:
			key.Desc = true
			p.advance()
		case p.cur().typ == tokPlus:
			p.advance()
		}
		tok := p.cur()
		if tok.typ != tokWord {
			return nil, p.errHere("expected a field to sort by, got %s", tok.describe())
		}
		key.Field = CanonicalField(tok.lit)
		p.advance()
		keys = append(keys, key)
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.atStageEnd() {
			return &SortStage{Keys: keys}, nil
		}
	}
}

func (p *parser) parseCount(cmd string) (Stage, *ParseError) {
	tok := p.cur()
	if tok.typ != tokWord {
		return nil, p.errHere("%s requires a row count", cmd)
	}
	n, err := strconv.Atoi(tok.lit)
	if err != nil {
		return nil, p.errHere("%s requires an integer, got %q", cmd, tok.lit)
	}
	p.advance()
	switch cmd {
	case "limit":
		return &LimitStage{N: n}, nil
	case "head":
		return &HeadStage{N: n}, nil
	default:
		return &TailStage{N: n}, nil
	}
}

func (p *parser) parseBareFieldList(cmd string) ([]string, *ParseError) {
	var fields []string
	for {
		tok := p.cur()
		if tok.typ != tokWord {
			if len(fields) == 0 {
				return nil, p.errHere("%s requires at least one field", cmd)
			}
			return fields, nil
		}
		fields = append(fields, CanonicalField(tok.lit))
		p.advance()
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.atStageEnd() {
			return fields, nil
		}
	}
}

func (p *parser) parseFieldList(cmd string) (Stage, *ParseError) {
	fields, err := p.parseBareFieldList(cmd)
	if err != nil {
		return nil, err
	}
	if cmd == "dedup" {
		return &DedupStage{Fields: fields}, nil
	}
	return &TableStage{Fields: fields}, nil
}

func (p *parser) parseFields() (Stage, *ParseError) {
	exclude := false
	if p.cur().typ == tokMinus {
		exclude = true
		p.advance()
	} else if p.cur().typ == tokPlus {
		p.advance()
	}
	fields, err := p.parseBareFieldList("fields")
	if err != nil {
		return nil, err
	}
	return &FieldsStage{Exclude: exclude, Fields: fields}, nil
}

func (p *parser) parseRename() (Stage, *ParseError) {
	var pairs []RenamePair
	for {
		from := p.cur()
		if from.typ != tokWord {
			return nil, p.errHere("rename requires 'old as new' pairs")
		}
		p.advance()
		if !p.wordIs("as") {
			return nil, p.errHere("expected 'as' in rename, got %s", p.cur().describe())
		}
		p.advance()
		to := p.cur()
		if to.typ != tokWord {
			return nil, p.errHere("expected a new field name after 'as'")
		}
		p.advance()
		pairs = append(pairs, RenamePair{From: CanonicalField(from.lit), To: to.lit})
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.atStageEnd() {
			return &RenameStage{Pairs: pairs}, nil
		}
	}
}

func (p *parser) parseTopRare(cmd string) (Stage, *ParseError) {
	n := 10
	tok := p.cur()
	if tok.typ != tokWord {
		return nil, p.errHere("%s requires a field", cmd)
	}
	if v, err := strconv.Atoi(tok.lit); err == nil {
		n = v
		p.advance()
		tok = p.cur()
		if tok.typ != tokWord {
			return nil, p.errHere("%s requires a field after the count", cmd)
		}
	}
	field := CanonicalField(tok.lit)
	p.advance()
	if cmd == "top" {
		return &TopStage{N: n, Field: field}, nil
	}
	return &RareStage{N: n, Field: field}, nil
}

func (p *parser) parseBin() (Stage, *ParseError) {
	if !p.wordIs("span") || p.peek().typ != tokEq {
		return nil, p.errHere("bin requires span=<duration>")
	}
	p.advance()
	p.advance()
	tok := p.cur()
	if tok.typ != tokWord {
		return nil, p.errHere("expected a duration after span=")
	}
	span, err := ParseDuration(tok.lit)
	if err != nil {
		return nil, p.errHere("%v", err)
	}
	p.advance()
	field := "timestamp"
	if p.cur().typ == tokWord {
		field = CanonicalField(p.advance().lit)
	}
	return &BinStage{Span: span, Field: field}, nil
}

func (p *parser) parseRex() (Stage, *ParseError) {
	field := "message"
	if p.wordIs("field") && p.peek().typ == tokEq {
		p.advance()
		p.advance()
		tok := p.cur()
		if tok.typ != tokWord {
			return nil, p.errHere("expected a field name after field=")
		}
		field = CanonicalField(tok.lit)
		p.advance()
	}
	tok := p.cur()
	if tok.typ != tokString {
		return nil, p.errHere("rex requires a quoted regex")
	}
	p.advance()
	return &RexStage{Field: field, Pattern: tok.lit}, nil
}

func (p *parser) parseEval() (Stage, *ParseError) {
	var bindings []EvalBinding
	for {
		name := p.cur()
		if name.typ != tokWord {
			return nil, p.errHere("eval requires name=expression bindings")
		}
		p.advance()
		if p.cur().typ != tokEq {
			return nil, p.errHere("expected '=' after %q in eval", name.lit)
		}
		p.advance()
		expr, err := p.parseEvalExpr()
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, EvalBinding{Name: name.lit, Expr: expr})
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.atStageEnd() {
			return &EvalStage{Bindings: bindings}, nil
		}
		return nil, p.errHere("unexpected %s in eval", p.cur().describe())
	}
}

// Eval expression grammar: additive over multiplicative over unary.
// '*' reaches the parser as a bareword because it doubles as the
// wildcard in filters.

func (p *parser) parseEvalExpr() (Expr, *ParseError) {
	left, err := p.parseEvalTerm()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOp
		switch {
		case p.cur().typ == tokPlus:
			op = BinAdd
		case p.cur().typ == tokMinus:
			op = BinSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseEvalTerm()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseEvalTerm() (Expr, *ParseError) {
	left, err := p.parseEvalFactor()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOp
		switch {
		case p.cur().typ == tokWord && p.cur().lit == "*":
			op = BinMul
		case p.cur().typ == tokSlash:
			op = BinDiv
		case p.cur().typ == tokPercent:
			op = BinMod
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseEvalFactor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseEvalFactor() (Expr, *ParseError) {
	tok := p.cur()
	switch tok.typ {
	case tokMinus:
		p.advance()
		inner, err := p.parseEvalFactor()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: BinSub, Left: &LiteralExpr{Value: IntValue(0)}, Right: inner}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseEvalExpr()
		if err != nil {
			return nil, err
		}
		if p.cur().typ != tokRParen {
			return nil, p.errHere("expected ')' in eval expression")
		}
		p.advance()
		return inner, nil
	case tokString:
		p.advance()
		return &LiteralExpr{Value: StringValue(tok.lit)}, nil
	case tokWord:
		if p.peek().typ == tokLParen {
			return p.parseEvalCall()
		}
		p.advance()
		v := classifyWord(tok.lit, false)
		if v.Kind != ValueString {
			return &LiteralExpr{Value: v}, nil
		}
		return &FieldExpr{Name: CanonicalField(tok.lit)}, nil
	default:
		return nil, p.errHere("unexpected %s in eval expression", tok.describe())
	}
}

func (p *parser) parseEvalCall() (Expr, *ParseError) {
	fn := strings.ToLower(p.advance().lit)
	p.advance() // '('
	call := &CallExpr{Func: fn}
	if p.cur().typ == tokRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseEvalArg()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if p.cur().typ == tokRParen {
			p.advance()
			return call, nil
		}
		return nil, p.errHere("expected ',' or ')' in %s(...)", fn)
	}
}

// parseEvalArg parses a function argument, which may be a comparison
// (the condition of if/case) or a plain expression.
func (p *parser) parseEvalArg() (Expr, *ParseError) {
	left, err := p.parseEvalExpr()
	if err != nil {
		return nil, err
	}
	if op, ok := compareOpFor(p.cur().typ); ok {
		p.advance()
		right, rerr := p.parseEvalExpr()
		if rerr != nil {
			return nil, rerr
		}
		return &CondExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}
