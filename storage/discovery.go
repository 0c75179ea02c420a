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

package storage

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// defaultDiscoverySample bounds the random sample walked by field
// discovery.
const defaultDiscoverySample = 10000

const maxFieldSamples = 5

// fieldAccumulator folds sampled structured_data maps into per-field
// occurrence counts and a majority-vote type.
type fieldAccumulator struct {
	counts    map[string]int
	typeVotes map[string]map[string]int
	samples   map[string][]string
}

func newFieldAccumulator() *fieldAccumulator {
	return &fieldAccumulator{
		counts:    map[string]int{},
		typeVotes: map[string]map[string]int{},
		samples:   map[string][]string{},
	}
}

func (a *fieldAccumulator) observe(structured map[string]string) {
	for name, value := range structured {
		a.counts[name]++
		votes := a.typeVotes[name]
		if votes == nil {
			votes = map[string]int{}
			a.typeVotes[name] = votes
		}
		votes[inferFieldType(value)]++
		if len(a.samples[name]) < maxFieldSamples {
			a.samples[name] = append(a.samples[name], value)
		}
	}
}

// fields returns the accumulated fields sorted by occurrence count
// descending, name ascending on ties.
func (a *fieldAccumulator) fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(a.counts))
	for name, count := range a.counts {
		out = append(out, FieldInfo{
			Name:        name,
			Type:        majorityType(a.typeVotes[name]),
			Occurrences: count,
			Samples:     a.samples[name],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func majorityType(votes map[string]int) string {
	best, bestCount := "string", -1
	for typ, count := range votes {
		if count > bestCount || (count == bestCount && typ < best) {
			best, bestCount = typ, count
		}
	}
	return best
}

func inferFieldType(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "string"
	}
	lower := strings.ToLower(v)
	if lower == "true" || lower == "false" {
		return "boolean"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "number"
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if _, err := time.Parse(layout, v); err == nil {
			return "datetime"
		}
	}
	return "string"
}
