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

// Package extract turns free-text log messages into structured
// fields. Three layers run in order — JSON flattening, built-in
// patterns plus scanners, then user patterns — and the first writer
// of a key wins.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/machine-king-labs/lognog/catalog"
)

const (
	maxJSONDepth = 8
	maxKeys      = 100
)

var patternCache sync.Map // pattern text -> *regexp.Regexp

// builtinPattern is a full-line format; extracted keys are prefixed
// with the pattern name.
type builtinPattern struct {
	name string
	re   *regexp.Regexp
}

// Order matters: exactly one full-line pattern applies, first match
// wins, and every pattern is anchored so the more specific variants
// stay reachable.
var builtinPatterns = []builtinPattern{
	{"apache_combined", regexp.MustCompile(
		`^(?P<client_ip>\S+) \S+ (?P<user>\S+) \[(?P<time>[^\]]+)\] "(?P<method>\S+) (?P<path>\S+)(?: (?P<protocol>[^"]*))?" (?P<status>\d{3}) (?P<bytes>\d+|-) "(?P<referrer>[^"]*)" "(?P<user_agent>[^"]*)"$`)},
	{"apache_common", regexp.MustCompile(
		`^(?P<client_ip>\S+) \S+ (?P<user>\S+) \[(?P<time>[^\]]+)\] "(?P<method>\S+) (?P<path>\S+)(?: (?P<protocol>[^"]*))?" (?P<status>\d{3}) (?P<bytes>\d+|-)$`)},
	{"nginx_access", regexp.MustCompile(
		`^(?P<client_ip>\S+) - (?P<user>\S+) \[(?P<time>[^\]]+)\] "(?P<method>\S+) (?P<path>\S+)(?: (?P<protocol>[^"]*))?" (?P<status>\d{3}) (?P<bytes>\d+) "(?P<referrer>[^"]*)" "(?P<user_agent>[^"]*)" "(?P<x_forwarded_for>[^"]*)"$`)},
	{"syslog_rfc3164", regexp.MustCompile(
		`^<(?P<priority>\d{1,3})>(?P<time>[A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2}) (?P<host>\S+) (?P<tag>[^:\[\s]+)(?:\[(?P<pid>\d+)\])?:? ?(?P<content>.*)$`)},
	{"syslog_rfc5424", regexp.MustCompile(
		`^<(?P<priority>\d{1,3})>1 (?P<time>\S+) (?P<host>\S+) (?P<app>\S+) (?P<procid>\S+) (?P<msgid>\S+) (?P<sd>-|\[.*\]) ?(?P<content>.*)$`)},
	{"bracketed_error", regexp.MustCompile(
		`^\[(?P<time>[^\]]+)\] \[(?P<level>[^\]]+)\](?: \[(?P<module>[^\]]+)\])? (?P<content>.*)$`)},
}

type scanner struct {
	key string
	re  *regexp.Regexp
}

var scanners = []scanner{
	{"scan.ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"scan.url", regexp.MustCompile(`https?://[^\s"'<>]+`)},
	{"scan.uuid", regexp.MustCompile(`\b[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}\b`)},
	{"scan.email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"scan.duration", regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|us|µs|ns|[smh])\b`)},
}

type userPattern struct {
	name  string
	field string
	re    *regexp.Regexp
}

// Extractor applies the three extraction layers. The user pattern
// vector is immutable once built; reloads swap the pointer, so
// Extract never takes a lock.
type Extractor struct {
	user atomic.Pointer[[]userPattern]
}

func New() *Extractor {
	e := &Extractor{}
	empty := []userPattern{}
	e.user.Store(&empty)
	return e
}

// SetUserPatterns compiles and installs the catalog's enabled
// patterns, sorted by (priority, name). Invalid patterns are skipped
// and reported; valid ones still install.
func (e *Extractor) SetUserPatterns(patterns []catalog.ExtractionPattern) error {
	sorted := append([]catalog.ExtractionPattern(nil), patterns...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	var errs error
	compiled := make([]userPattern, 0, len(sorted))
	for _, p := range sorted {
		re, err := compilePattern(p.Pattern)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pattern %q: %w", p.Name, err))
			continue
		}
		field := p.Field
		if field == "" {
			field = "message"
		}
		compiled = append(compiled, userPattern{name: p.Name, field: field, re: re})
	}
	e.user.Store(&compiled)
	return errs
}

// Extract produces the structured fields for one message. Returns an
// empty (non-nil) map when nothing matches.
func (e *Extractor) Extract(message string) map[string]string {
	fields := map[string]string{}

	extractJSON(message, fields)
	extractBuiltins(message, fields)

	for _, p := range *e.user.Load() {
		subject := message
		if p.field != "message" {
			var ok bool
			if subject, ok = fields[p.field]; !ok {
				continue
			}
		}
		applyNamedGroups(p.re, subject, fields)
	}
	return fields
}

// Test compiles pattern (regex or Grok) and applies it to sample.
// Used by the pattern editor; it never touches stored state.
func Test(pattern, sample string) (map[string]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if !applyNamedGroups(re, sample, fields) {
		return nil, fmt.Errorf("pattern did not match sample")
	}
	return fields, nil
}

func applyNamedGroups(re *regexp.Regexp, subject string, fields map[string]string) bool {
	m := re.FindStringSubmatch(subject)
	if m == nil {
		return false
	}
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		setIfAbsent(fields, name, m[i])
	}
	return true
}

// setIfAbsent enforces first-writer-wins across layers.
func setIfAbsent(fields map[string]string, key, value string) {
	if len(fields) >= maxKeys {
		return
	}
	if _, exists := fields[key]; !exists {
		fields[key] = value
	}
}

func extractBuiltins(message string, fields map[string]string) {
	for _, b := range builtinPatterns {
		m := b.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		for i, name := range b.re.SubexpNames() {
			if name == "" || m[i] == "" {
				continue
			}
			setIfAbsent(fields, b.name+"."+name, m[i])
		}
		break // exactly one full-line pattern applies
	}
	for _, s := range scanners {
		matches := s.re.FindAllString(message, 10)
		if len(matches) == 0 {
			continue
		}
		uniq := dedupeStrings(matches)
		if len(uniq) == 1 {
			setIfAbsent(fields, s.key, uniq[0])
			continue
		}
		blob, _ := json.Marshal(uniq)
		setIfAbsent(fields, s.key, string(blob))
	}
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func extractJSON(message string, fields map[string]string) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return
	}
	flattenJSON("", obj, fields, 0)
}

func flattenJSON(prefix string, obj map[string]any, fields map[string]string, depth int) {
	if depth >= maxJSONDepth {
		return
	}
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenJSON(path, v, fields, depth+1)
		case []any:
			blob, err := json.Marshal(v)
			if err == nil {
				setIfAbsent(fields, path, string(blob))
			}
		case string:
			setIfAbsent(fields, path, v)
		case float64:
			setIfAbsent(fields, path, strconv.FormatFloat(v, 'g', -1, 64))
		case bool:
			setIfAbsent(fields, path, strconv.FormatBool(v))
		case nil:
			setIfAbsent(fields, path, "")
		}
	}
}
