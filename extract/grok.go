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
	"fmt"
	"regexp"
	"strings"
)

// grokTable is the fixed substitution table for Grok-style templates.
// Tokens appear as %{NAME} (anonymous) or %{NAME:field} (named
// capture).
var grokTable = map[string]string{
	"WORD":              `\w+`,
	"NOTSPACE":          `\S+`,
	"SPACE":             `\s+`,
	"DATA":              `.*?`,
	"GREEDYDATA":        `.*`,
	"INT":               `[+-]?\d+`,
	"POSINT":            `\d+`,
	"NUMBER":            `[+-]?\d+(?:\.\d+)?`,
	"IPV4":              `(?:\d{1,3}\.){3}\d{1,3}`,
	"IPV6":              `[0-9A-Fa-f:]{2,39}`,
	"IP":                `(?:\d{1,3}\.){3}\d{1,3}|[0-9A-Fa-f:]{2,39}`,
	"HOSTNAME":          `[A-Za-z0-9](?:[A-Za-z0-9_-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9_-]*[A-Za-z0-9])?)*`,
	"USER":              `[A-Za-z0-9._-]+`,
	"USERNAME":          `[A-Za-z0-9._-]+`,
	"UUID":              `[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`,
	"EMAILADDRESS":      `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	"TIMESTAMP_ISO8601": `\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`,
	"HTTPDATE":          `\d{2}/\w{3}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}`,
	"SYSLOGTIMESTAMP":   `[A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2}`,
	"LOGLEVEL":          `(?i:trace|debug|info|notice|warn(?:ing)?|err(?:or)?|crit(?:ical)?|alert|fatal|emerg(?:ency)?)`,
	"QUOTEDSTRING":      `"[^"]*"`,
	"PATH":              `(?:/[^\s]*)+`,
}

var grokToken = regexp.MustCompile(`%\{(\w+)(?::(\w+))?\}`)

// IsGrok reports whether pattern uses Grok template syntax.
func IsGrok(pattern string) bool {
	return grokToken.MatchString(pattern)
}

// GrokToRegex compiles a Grok template to a Go regex with named
// captures. Unknown tokens are errors.
func GrokToRegex(pattern string) (string, error) {
	var unknown []string
	out := grokToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		m := grokToken.FindStringSubmatch(tok)
		sub, ok := grokTable[m[1]]
		if !ok {
			unknown = append(unknown, m[1])
			return tok
		}
		if m[2] != "" {
			return "(?P<" + m[2] + ">" + sub + ")"
		}
		return "(?:" + sub + ")"
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown grok token(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// compilePattern compiles a user pattern, translating Grok syntax
// when present. Compiled regexes are cached by the original pattern
// text.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	src := pattern
	if IsGrok(pattern) {
		var err error
		src, err = GrokToRegex(pattern)
		if err != nil {
			return nil, err
		}
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}
