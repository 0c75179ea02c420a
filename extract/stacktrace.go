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

package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one parsed stack frame.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// StackTrace is the result of parsing a multi-line trace block.
type StackTrace struct {
	// Style is "frame" (at pkg.Class.method(File:line)), "vm"
	// (File "...", line N, in f) or "native" (file.go:123 under a
	// function line).
	Style  string  `json:"style"`
	Frames []Frame `json:"frames"`
}

var (
	// at com.example.Foo.bar(Foo.java:42)
	frameStyleRe = regexp.MustCompile(`^\s*at (?P<fn>[\w$.<>]+)\((?P<file>[^:)]+)(?::(?P<line>\d+))?\)`)
	// File "/app/main.py", line 42, in handler
	vmStyleRe = regexp.MustCompile(`^\s*File "(?P<file>[^"]+)", line (?P<line>\d+)(?:, in (?P<fn>\S+))?`)
	// \t/src/pkg/file.go:123 +0x1b   (preceded by a function line)
	nativeFileRe = regexp.MustCompile(`^\s+(?P<file>\S+\.\w+):(?P<line>\d+)(?:\s|$)`)
	nativeFnRe   = regexp.MustCompile(`^(?P<fn>[\w./()*]+)\(.*\)$`)
)

// ParseStackTrace scans a text block for a recognizable stack trace.
// The second return is false when no frames were found.
func ParseStackTrace(text string) (*StackTrace, bool) {
	lines := strings.Split(text, "\n")

	if frames := collect(lines, frameStyleRe); len(frames) > 0 {
		return &StackTrace{Style: "frame", Frames: frames}, true
	}
	if frames := collect(lines, vmStyleRe); len(frames) > 0 {
		return &StackTrace{Style: "vm", Frames: frames}, true
	}
	if frames := collectNative(lines); len(frames) > 0 {
		return &StackTrace{Style: "native", Frames: frames}, true
	}
	return nil, false
}

func collect(lines []string, re *regexp.Regexp) []Frame {
	var frames []Frame
	for _, line := range lines {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		frame := Frame{}
		for i, name := range re.SubexpNames() {
			switch name {
			case "fn":
				frame.Function = m[i]
			case "file":
				frame.File = m[i]
			case "line":
				frame.Line, _ = strconv.Atoi(m[i])
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

// collectNative pairs a function line with the indented file:line
// line that follows it.
func collectNative(lines []string) []Frame {
	var frames []Frame
	for i := 0; i+1 < len(lines); i++ {
		fn := nativeFnRe.FindStringSubmatch(strings.TrimRight(lines[i], "\r"))
		if fn == nil {
			continue
		}
		loc := nativeFileRe.FindStringSubmatch(lines[i+1])
		if loc == nil {
			continue
		}
		line, _ := strconv.Atoi(loc[2])
		frames = append(frames, Frame{Function: fn[1], File: loc[1], Line: line})
		i++
	}
	return frames
}
