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

// Package ingest receives syslog traffic over UDP and TCP, parses
// RFC5424, RFC3164 and JSON frames, runs field extraction and batches
// inserts into the event store.
package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/machine-king-labs/lognog/storage"
)

// Frame format names, used as the source_type metric label.
const (
	FormatRFC5424 = "rfc5424"
	FormatRFC3164 = "rfc3164"
	FormatJSON    = "json"
	FormatRaw     = "raw"
)

// defaultPriority is user.notice, applied when a frame carries no
// priority of its own.
const defaultPriority = 13

const (
	// Timestamps further in the past than this are distrusted and
	// replaced with the receive time.
	maxTimestampAge = 24 * time.Hour
	// Likewise for future timestamps.
	maxTimestampAhead = 30 * 24 * time.Hour
)

var (
	priRe     = regexp.MustCompile(`^<(\d{1,3})>`)
	rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) (.*)$`)
	tagRe     = regexp.MustCompile(`^([^:\[\s]+)(?:\[(\d+)\])?: ?(.*)$`)
	sdBlockRe = regexp.MustCompile(`\[([^\s\]]+)((?: (?:[^\]\\]|\\.)*)?)\]`)
	sdParamRe = regexp.MustCompile(`([\w.-]+)="((?:[^"\\]|\\.)*)"`)
)

// Parse turns one wire frame into an event. It never fails: frames
// that match no known format become raw events. The returned format
// names which parser succeeded.
func Parse(frame string, received time.Time) (storage.Event, string) {
	frame = strings.TrimRight(frame, "\r\n")

	if e, ok := parseRFC5424(frame, received); ok {
		return e, FormatRFC5424
	}
	if e, ok := parseRFC3164(frame, received); ok {
		return e, FormatRFC3164
	}
	if e, ok := parseJSON(frame, received); ok {
		return e, FormatJSON
	}
	e := storage.Event{
		Timestamp:  received,
		ReceivedAt: received,
		Message:    frame,
		Raw:        frame,
	}
	applyPriority(&e, defaultPriority)
	return e, FormatRaw
}

func applyPriority(e *storage.Event, pri int) {
	if pri < 0 || pri > 191 {
		pri = defaultPriority
	}
	e.Priority = uint8(pri)
	e.Facility = uint8(pri / 8)
	e.Severity = uint8(pri % 8)
}

// saneTimestamp guards against clock-skewed senders: anything more
// than 24h old or 30d ahead is replaced with the receive time.
func saneTimestamp(ts, received time.Time) time.Time {
	if ts.Before(received.Add(-maxTimestampAge)) || ts.After(received.Add(maxTimestampAhead)) {
		return received
	}
	return ts
}

func parseRFC5424(frame string, received time.Time) (storage.Event, bool) {
	pri := priRe.FindStringSubmatch(frame)
	if pri == nil {
		return storage.Event{}, false
	}
	rest := frame[len(pri[0]):]
	if !strings.HasPrefix(rest, "1 ") {
		return storage.Event{}, false
	}
	parts := strings.SplitN(rest[2:], " ", 7)
	if len(parts) < 6 {
		return storage.Event{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil && parts[0] != "-" {
		return storage.Event{}, false
	}
	if parts[0] == "-" {
		ts = received
	}

	e := storage.Event{
		ReceivedAt: received,
		Timestamp:  saneTimestamp(ts.UTC(), received),
		Hostname:   dashEmpty(parts[1]),
		AppName:    dashEmpty(parts[2]),
		Raw:        frame,
		Structured: map[string]string{},
	}
	n, _ := strconv.Atoi(pri[1])
	applyPriority(&e, n)
	if pid := dashEmpty(parts[3]); pid != "" {
		e.Structured["procid"] = pid
	}
	if msgid := dashEmpty(parts[4]); msgid != "" {
		e.Structured["msgid"] = msgid
	}

	// parts[5] starts the STRUCTURED-DATA element; it may contain
	// spaces, so re-join and split SD from MSG by bracket scanning.
	tail := parts[5]
	if len(parts) == 7 {
		tail += " " + parts[6]
	}
	sd, msg := splitStructuredData(tail)
	for key, value := range parseStructuredData(sd) {
		e.Structured[key] = value
	}
	e.Message = strings.TrimPrefix(msg, "\ufeff") // BOM per RFC 5424 §6.4
	return e, true
}

// splitStructuredData separates the SD element ("-" or one or more
// bracketed blocks) from the free-text message.
func splitStructuredData(tail string) (sd, msg string) {
	if strings.HasPrefix(tail, "- ") {
		return "", tail[2:]
	}
	if tail == "-" {
		return "", ""
	}
	if !strings.HasPrefix(tail, "[") {
		return "", tail
	}
	depth, inQuote := 0, false
	for i := 0; i < len(tail); i++ {
		switch tail[i] {
		case '"':
			if i == 0 || tail[i-1] != '\\' {
				inQuote = !inQuote
			}
		case '[':
			if !inQuote {
				depth++
			}
		case ']':
			if !inQuote {
				depth--
				if depth == 0 && (i+1 >= len(tail) || tail[i+1] != '[') {
					return tail[:i+1], strings.TrimPrefix(tail[i+1:], " ")
				}
			}
		}
	}
	return tail, ""
}

func parseStructuredData(sd string) map[string]string {
	out := map[string]string{}
	for _, block := range sdBlockRe.FindAllStringSubmatch(sd, -1) {
		for _, param := range sdParamRe.FindAllStringSubmatch(block[2], -1) {
			value := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\]`, `]`).Replace(param[2])
			if _, exists := out[param[1]]; !exists {
				out[param[1]] = value
			}
		}
	}
	return out
}

func dashEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func parseRFC3164(frame string, received time.Time) (storage.Event, bool) {
	m := rfc3164Re.FindStringSubmatch(frame)
	if m == nil {
		return storage.Event{}, false
	}
	// The classic format has no year; assume the receive year, then
	// back off one for timestamps that land in the future (New Year
	// wrap).
	ts, err := time.Parse("Jan _2 15:04:05 2006", m[2]+" "+strconv.Itoa(received.Year()))
	if err != nil {
		return storage.Event{}, false
	}
	if ts.After(received.Add(7 * 24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}

	e := storage.Event{
		ReceivedAt: received,
		Timestamp:  saneTimestamp(ts.UTC(), received),
		Hostname:   m[3],
		Raw:        frame,
		Message:    m[4],
	}
	n, _ := strconv.Atoi(m[1])
	applyPriority(&e, n)

	if tag := tagRe.FindStringSubmatch(m[4]); tag != nil {
		e.AppName = tag[1]
		e.Message = tag[3]
		if tag[2] != "" {
			e.Structured = map[string]string{"procid": tag[2]}
		}
	}
	return e, true
}

// jsonFrame is the accepted shape for JSON-over-syslog senders.
// Field aliases mirror what agents in the wild actually emit.
type jsonFrame struct {
	Timestamp string `json:"timestamp"`
	Time      string `json:"time"`
	Host      string `json:"host"`
	Hostname  string `json:"hostname"`
	App       string `json:"app"`
	Program   string `json:"program"`
	Message   string `json:"message"`
	Msg       string `json:"msg"`
	Level     any    `json:"level"`
	Severity  any    `json:"severity"`
	Index     string `json:"index"`
}

var severityNames = map[string]uint8{
	"emerg": 0, "emergency": 0, "panic": 0,
	"alert": 1,
	"crit":  2, "critical": 2, "fatal": 2,
	"err": 3, "error": 3,
	"warn": 4, "warning": 4,
	"notice": 5,
	"info":   6, "informational": 6,
	"debug": 7, "trace": 7,
}

func parseJSON(frame string, received time.Time) (storage.Event, bool) {
	trimmed := strings.TrimSpace(frame)
	if !strings.HasPrefix(trimmed, "{") {
		return storage.Event{}, false
	}
	var jf jsonFrame
	if err := json.Unmarshal([]byte(trimmed), &jf); err != nil {
		return storage.Event{}, false
	}

	e := storage.Event{
		ReceivedAt: received,
		Timestamp:  received,
		Hostname:   firstNonEmpty(jf.Hostname, jf.Host),
		AppName:    firstNonEmpty(jf.App, jf.Program),
		Message:    firstNonEmpty(jf.Message, jf.Msg),
		IndexName:  jf.Index,
		Raw:        frame,
	}
	if e.Message == "" {
		// A JSON object with no message field is still useful; keep
		// the whole document as the message for extraction.
		e.Message = trimmed
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		for _, raw := range []string{jf.Timestamp, jf.Time} {
			if raw == "" {
				continue
			}
			if ts, err := time.Parse(layout, raw); err == nil {
				e.Timestamp = saneTimestamp(ts.UTC(), received)
			}
		}
	}

	severity := uint8(6)
	for _, v := range []any{jf.Severity, jf.Level} {
		switch x := v.(type) {
		case string:
			if s, ok := severityNames[strings.ToLower(x)]; ok {
				severity = s
			}
		case float64:
			if x >= 0 && x <= 7 {
				severity = uint8(x)
			}
		}
	}
	applyPriority(&e, 16*8+int(severity)) // local0 facility
	return e, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
