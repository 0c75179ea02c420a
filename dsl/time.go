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
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w)$`)
var relativePattern = regexp.MustCompile(`^-(\d+)([smhdw])(?:@([smhdw]))?$`)

var unitDurations = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

// ParseDuration parses a DSL duration literal: a positive integer
// followed by ms, s, m, h, d or w.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q (want e.g. 30s, 5m, 1h, 7d)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q: count must be a positive integer", s)
	}
	return time.Duration(n) * unitDurations[m[2]], nil
}

// FormatDuration renders a duration in the shortest DSL literal that
// round-trips through ParseDuration.
func FormatDuration(d time.Duration) string {
	for _, unit := range []struct {
		suffix string
		size   time.Duration
	}{
		{"w", 7 * 24 * time.Hour},
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if d >= unit.size && d%unit.size == 0 {
			return fmt.Sprintf("%d%s", d/unit.size, unit.suffix)
		}
	}
	return fmt.Sprintf("%dms", d/time.Millisecond)
}

// ParseTimeSpec resolves an earliest/latest time specifier against
// now. Accepted forms: the keyword "now", a relative offset -Nu with
// an optional @u snap to the start of the unit, or an absolute
// ISO-8601 timestamp. Results are UTC.
func ParseTimeSpec(s string, now time.Time) (time.Time, error) {
	now = now.UTC()
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time specifier")
	}
	if s == "now" {
		return now, nil
	}
	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time %q", s)
		}
		t := now.Add(-time.Duration(n) * unitDurations[m[2]])
		if m[3] != "" {
			t = snapToUnit(t, m[3])
		}
		return t, nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time specifier %q (want now, -Nu[@u], or ISO-8601)", s)
}

// snapToUnit truncates t to the start of the given unit. Weeks snap
// to the most recent Sunday, matching day-of-week bucket 0.
func snapToUnit(t time.Time, unit string) time.Time {
	t = t.UTC()
	switch unit {
	case "s":
		return t.Truncate(time.Second)
	case "m":
		return t.Truncate(time.Minute)
	case "h":
		return t.Truncate(time.Hour)
	case "d":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "w":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday()))
	}
	return t
}
