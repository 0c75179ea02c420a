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
	"regexp"
)

// MaxRowLimit caps numeric row limits in limit/head/tail/top/rare.
const MaxRowLimit = 100000

// ValidationError is a semantic problem in one stage of a pipeline.
type ValidationError struct {
	Message    string
	StageIndex int
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("stage %d: %s", e.StageIndex, e.Message)
}

// ValidationResult carries errors, which block execution, and
// warnings, which never do.
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// ScalarFunctions is the set of functions allowed in eval
// expressions, with their accepted arity ranges (-1 = variadic).
var ScalarFunctions = map[string][2]int{
	"if":       {3, 3},
	"case":     {2, -1},
	"coalesce": {1, -1},
	"abs":      {1, 1},
	"ceil":     {1, 1},
	"floor":    {1, 1},
	"round":    {1, 2},
	"sqrt":     {1, 1},
	"pow":      {2, 2},
	"len":      {1, 1},
	"lower":    {1, 1},
	"upper":    {1, 1},
	"trim":     {1, 1},
	"substr":   {2, 3},
	"replace":  {3, 3},
	"tostring": {1, 1},
	"tonumber": {1, 1},
	"now":      {0, 0},
}

// Validate checks a parsed pipeline for semantic problems: malformed
// stage arguments, misplaced aggregations, uncompilable rex patterns,
// out-of-range limits. Unknown fields are not errors; they yield
// empty results at execution.
func Validate(p *Pipeline) ValidationResult {
	var res ValidationResult
	addErr := func(i int, format string, args ...any) {
		res.Errors = append(res.Errors, ValidationError{Message: fmt.Sprintf(format, args...), StageIndex: i})
	}
	addWarn := func(i int, format string, args ...any) {
		res.Warnings = append(res.Warnings, ValidationError{Message: fmt.Sprintf(format, args...), StageIndex: i})
	}

	for i, stage := range p.Stages {
		switch s := stage.(type) {
		case *StatsStage:
			validateAggs(s.Aggs, i, addErr)
			if s.By != nil && len(s.By) == 0 {
				addErr(i, "'by' clause must list at least one field")
			}
		case *TimechartStage:
			validateAggs(s.Aggs, i, addErr)
			if s.Span <= 0 {
				addErr(i, "timechart span must be positive")
			}
		case *BinStage:
			if s.Span <= 0 {
				addErr(i, "bin span must be positive")
			}
		case *LimitStage:
			validateLimit("limit", s.N, i, addErr)
		case *HeadStage:
			validateLimit("head", s.N, i, addErr)
		case *TailStage:
			validateLimit("tail", s.N, i, addErr)
		case *TopStage:
			validateLimit("top", s.N, i, addErr)
		case *RareStage:
			validateLimit("rare", s.N, i, addErr)
		case *RexStage:
			if _, err := regexp.Compile(s.Pattern); err != nil {
				addErr(i, "rex pattern does not compile: %v", err)
			} else if !regexp.MustCompile(`\(\?P?<`).MatchString(s.Pattern) {
				addWarn(i, "rex pattern has no named capture groups; it extracts nothing")
			}
		case *EvalStage:
			for _, b := range s.Bindings {
				validateEvalExpr(b.Expr, i, addErr)
			}
		case *SearchStage:
			validateFilterValues(s.Filter, i, addWarn)
		case *WhereStage:
			validateFilterValues(s.Cond, i, addWarn)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func validateAggs(aggs []AggCall, i int, addErr func(int, string, ...any)) {
	if len(aggs) == 0 {
		addErr(i, "at least one aggregation is required")
		return
	}
	for _, a := range aggs {
		needsField, ok := Aggregations[a.Func]
		if !ok {
			addErr(i, "unknown aggregation function %q", a.Func)
			continue
		}
		if needsField && a.Field == "" {
			addErr(i, "%s requires a field argument", a.Func)
		}
		if !needsField && a.Field != "" {
			addErr(i, "%s does not take a field argument", a.Func)
		}
	}
}

func validateLimit(cmd string, n, i int, addErr func(int, string, ...any)) {
	if n <= 0 {
		addErr(i, "%s requires a positive row count", cmd)
	} else if n > MaxRowLimit {
		addErr(i, "%s exceeds the maximum of %d rows", cmd, MaxRowLimit)
	}
}

func validateEvalExpr(e Expr, i int, addErr func(int, string, ...any)) {
	switch ex := e.(type) {
	case *BinaryExpr:
		validateEvalExpr(ex.Left, i, addErr)
		validateEvalExpr(ex.Right, i, addErr)
	case *CondExpr:
		validateEvalExpr(ex.Left, i, addErr)
		validateEvalExpr(ex.Right, i, addErr)
	case *CallExpr:
		arity, ok := ScalarFunctions[ex.Func]
		if !ok {
			addErr(i, "unknown function %q in eval", ex.Func)
			return
		}
		if len(ex.Args) < arity[0] || (arity[1] >= 0 && len(ex.Args) > arity[1]) {
			addErr(i, "%s takes %s, got %d", ex.Func, arityString(arity), len(ex.Args))
		}
		for _, a := range ex.Args {
			validateEvalExpr(a, i, addErr)
		}
	}
}

func arityString(arity [2]int) string {
	switch {
	case arity[1] < 0:
		return fmt.Sprintf("at least %d arguments", arity[0])
	case arity[0] == arity[1]:
		return fmt.Sprintf("%d arguments", arity[0])
	default:
		return fmt.Sprintf("%d to %d arguments", arity[0], arity[1])
	}
}

// validateFilterValues warns about comparisons that can never match,
// e.g. a numeric operator against a non-numeric value on a numeric
// column. Type mismatches are warnings: the comparison yields false
// at execution, never an error.
func validateFilterValues(f FilterExpr, i int, addWarn func(int, string, ...any)) {
	switch ex := f.(type) {
	case *AndExpr:
		validateFilterValues(ex.Left, i, addWarn)
		validateFilterValues(ex.Right, i, addWarn)
	case *OrExpr:
		validateFilterValues(ex.Left, i, addWarn)
		validateFilterValues(ex.Right, i, addWarn)
	case *NotExpr:
		validateFilterValues(ex.Expr, i, addWarn)
	case *CompareExpr:
		numericColumn := ex.Field == "severity" || ex.Field == "facility" ||
			ex.Field == "priority" || ex.Field == "source_port"
		if numericColumn && ex.Op != OpMatches {
			if _, ok := ex.Value.AsFloat(); !ok {
				addWarn(i, "%s is numeric; comparison with %q always fails", ex.Field, ex.Value.Str)
			}
		}
	}
}
