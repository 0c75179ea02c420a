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
	"math"
	"sort"
	"time"

	"github.com/machine-king-labs/lognog/dsl"
)

// memAggSupported lists the aggregations the in-memory fallback can
// compute when an aggregation lands after a client-side stage such as
// rex.
var memAggSupported = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"dc": true, "values": true, "list": true, "earliest": true,
	"latest": true, "first": true, "last": true, "median": true,
	"mode": true, "stddev": true, "variance": true, "range": true,
	"p50": true, "p90": true, "p95": true, "p99": true,
}

type memGroup struct {
	keyVals []any
	bucket  string
	accs    []*memAcc
}

// memAcc accumulates one aggregation over one group.
type memAcc struct {
	call     dsl.AggCall
	count    int64
	sum      float64
	nums     []float64
	distinct map[string]bool
	ordered  []string
	firstVal any
	lastVal  any
	earlyTS  string
	earlyVal any
	lateTS   string
	lateVal  any
	minVal   any
	maxVal   any
}

func newMemAcc(call dsl.AggCall) *memAcc {
	return &memAcc{call: call, distinct: map[string]bool{}}
}

func (a *memAcc) observe(row map[string]any) {
	if a.call.Func == "count" {
		a.count++
		return
	}
	v := rowField(row, a.call.Field)
	if v == nil {
		return
	}
	a.count++
	text := toText(v)
	if f, ok := toFloat(v); ok {
		a.sum += f
		a.nums = append(a.nums, f)
	}
	if !a.distinct[text] {
		a.distinct[text] = true
	}
	a.ordered = append(a.ordered, text)
	if a.firstVal == nil {
		a.firstVal = v
	}
	a.lastVal = v

	ts := toText(rowField(row, "timestamp"))
	if a.earlyTS == "" || ts < a.earlyTS {
		a.earlyTS, a.earlyVal = ts, v
	}
	if a.lateTS == "" || ts >= a.lateTS {
		a.lateTS, a.lateVal = ts, v
	}
	if a.minVal == nil || compareValues(v, a.minVal) < 0 {
		a.minVal = v
	}
	if a.maxVal == nil || compareValues(v, a.maxVal) > 0 {
		a.maxVal = v
	}
}

func (a *memAcc) result() any {
	switch a.call.Func {
	case "count":
		return a.count
	case "sum":
		return a.sum
	case "avg":
		if len(a.nums) == 0 {
			return nil
		}
		return a.sum / float64(len(a.nums))
	case "min":
		return a.minVal
	case "max":
		return a.maxVal
	case "dc":
		return int64(len(a.distinct))
	case "values":
		vals := make([]string, 0, len(a.distinct))
		seen := map[string]bool{}
		for _, v := range a.ordered {
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Strings(vals)
		return toAnySlice(vals)
	case "list":
		return toAnySlice(a.ordered)
	case "earliest":
		return a.earlyVal
	case "latest":
		return a.lateVal
	case "first":
		return a.firstVal
	case "last":
		return a.lastVal
	case "median", "p50", "p90", "p95", "p99":
		return quantileOf(a.nums, quantileFor(a.call.Func))
	case "mode":
		return modeOf(toAnySlice(a.ordered))
	case "stddev":
		return math.Sqrt(varianceOf(a.nums))
	case "variance":
		return varianceOf(a.nums)
	case "range":
		if len(a.nums) == 0 {
			return nil
		}
		lo, hi := a.nums[0], a.nums[0]
		for _, f := range a.nums[1:] {
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
		return hi - lo
	}
	return nil
}

func varianceOf(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	var sum float64
	for _, f := range nums {
		sum += f
	}
	mean := sum / float64(len(nums))
	var sq float64
	for _, f := range nums {
		sq += (f - mean) * (f - mean)
	}
	return sq / float64(len(nums))
}

func toAnySlice(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// memAggregate runs stats (span == 0) or timechart (span > 0) over
// rows already in memory.
func memAggregate(aggs []dsl.AggCall, by []string, span time.Duration, rows []map[string]any) ([]string, []map[string]any) {
	groups := map[string]*memGroup{}
	var order []string

	for _, row := range rows {
		var bucket string
		if span > 0 {
			t, ok := parseBucket(rowField(row, "timestamp"))
			if !ok {
				continue
			}
			bucket = formatBucket(t.Truncate(span))
		}
		keyVals := make([]any, len(by))
		for i, f := range by {
			keyVals[i] = rowField(row, f)
		}
		key := bucket + "\x1f" + groupKey(row, by)
		g, ok := groups[key]
		if !ok {
			g = &memGroup{keyVals: keyVals, bucket: bucket}
			for _, call := range aggs {
				g.accs = append(g.accs, newMemAcc(call))
			}
			groups[key] = g
			order = append(order, key)
		}
		for _, acc := range g.accs {
			acc.observe(row)
		}
	}
	sort.Strings(order)

	var columns []string
	if span > 0 {
		columns = append(columns, "_time")
	}
	columns = append(columns, by...)
	for _, call := range aggs {
		columns = append(columns, call.Column())
	}

	out := make([]map[string]any, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := map[string]any{}
		if span > 0 {
			row["_time"] = g.bucket
		}
		for i, f := range by {
			row[f] = g.keyVals[i]
		}
		for _, acc := range g.accs {
			row[acc.call.Column()] = acc.result()
		}
		out = append(out, row)
	}
	return columns, out
}
