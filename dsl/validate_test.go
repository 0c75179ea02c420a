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
	"strings"
	"testing"
)

func mustParse(t *testing.T, q string) *Pipeline {
	t.Helper()
	p, err := Parse(q)
	if err != nil {
		t.Fatalf("Parse(%q): %v", q, err)
	}
	return p
}

func TestValidateAccepts(t *testing.T) {
	for _, q := range validQueries {
		t.Run(q, func(t *testing.T) {
			res := Validate(mustParse(t, q))
			if !res.Valid {
				t.Errorf("Validate(%q) rejected: %v", q, res.Errors)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	for _, test := range []struct {
		query     string
		wantMsg   string
		wantStage int
	}{
		{`search * | stats frob(x)`, "unknown aggregation", 1},
		{`search * | stats avg`, "requires a field argument", 1},
		{`search * | stats count(hostname)`, "does not take a field argument", 1},
		{`search * | limit 0`, "positive row count", 1},
		{`search * | head 200000`, "maximum", 1},
		{`search * | eval x=frob(1)`, "unknown function", 1},
		{`search * | eval x=if(1)`, "3 arguments", 1},
		{`search * | rex "(?P<a"`, "does not compile", 1},
	} {
		t.Run(test.wantMsg, func(t *testing.T) {
			res := Validate(mustParse(t, test.query))
			if res.Valid {
				t.Fatalf("Validate(%q) accepted, want error %q", test.query, test.wantMsg)
			}
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e.Message, test.wantMsg) {
					found = true
					if e.StageIndex != test.wantStage {
						t.Errorf("error %q at stage %d, want %d", e.Message, e.StageIndex, test.wantStage)
					}
				}
			}
			if !found {
				t.Errorf("Validate(%q) errors = %v, want one containing %q", test.query, res.Errors, test.wantMsg)
			}
		})
	}
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	res := Validate(mustParse(t, `search severity="high"`))
	if !res.Valid {
		t.Fatalf("type-mismatch warning blocked execution: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a type-mismatch warning for severity=\"high\"")
	}
}
