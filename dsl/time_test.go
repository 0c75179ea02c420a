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
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	for _, test := range []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
	} {
		got, err := ParseDuration(test.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	for _, bad := range []string{"", "h", "1.5h", "-1h", "1x", "1 h"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("ParseDuration(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		500 * time.Millisecond, time.Second, 90 * time.Second, time.Hour,
		36 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
	} {
		got, err := ParseDuration(FormatDuration(d))
		if err != nil {
			t.Errorf("FormatDuration(%v) = %q does not reparse: %v", d, FormatDuration(d), err)
			continue
		}
		if got != d {
			t.Errorf("round trip of %v via %q = %v", d, FormatDuration(d), got)
		}
	}
}

func TestParseTimeSpec(t *testing.T) {
	now := time.Date(2023, 10, 11, 15, 42, 30, 0, time.UTC) // a Wednesday
	for _, test := range []struct {
		in   string
		want time.Time
	}{
		{"now", now},
		{"-15m", now.Add(-15 * time.Minute)},
		{"-1h", now.Add(-time.Hour)},
		{"-1d@d", time.Date(2023, 10, 10, 0, 0, 0, 0, time.UTC)},
		{"-1h@h", time.Date(2023, 10, 11, 14, 0, 0, 0, time.UTC)},
		{"-0s@w", time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)}, // Sunday
		{"2023-10-11T12:00:00Z", time.Date(2023, 10, 11, 12, 0, 0, 0, time.UTC)},
		{"2023-10-11", time.Date(2023, 10, 11, 0, 0, 0, 0, time.UTC)},
	} {
		got, err := ParseTimeSpec(test.in, now)
		if err != nil {
			t.Errorf("ParseTimeSpec(%q): %v", test.in, err)
			continue
		}
		if !got.Equal(test.want) {
			t.Errorf("ParseTimeSpec(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	for _, bad := range []string{"", "yesterday", "15m", "-1y", "-h@d"} {
		if _, err := ParseTimeSpec(bad, now); err == nil {
			t.Errorf("ParseTimeSpec(%q) unexpectedly succeeded", bad)
		}
	}
}
