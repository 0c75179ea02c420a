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

import "fmt"

type tokenType int

const (
	tokEOF tokenType = iota
	tokWord           // bareword: identifiers, numbers, durations, relative times
	tokString         // double-quoted string, escapes resolved
	tokPipe
	tokLParen
	tokRParen
	tokComma
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokMatch // ~
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
)

func (t tokenType) String() string {
	switch t {
	case tokEOF:
		return "end of query"
	case tokWord:
		return "word"
	case tokString:
		return "string"
	case tokPipe:
		return "'|'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokEq:
		return "'='"
	case tokNeq:
		return "'!='"
	case tokLt:
		return "'<'"
	case tokLte:
		return "'<='"
	case tokGt:
		return "'>'"
	case tokGte:
		return "'>='"
	case tokMatch:
		return "'~'"
	case tokPlus:
		return "'+'"
	case tokMinus:
		return "'-'"
	case tokStar:
		return "'*'"
	case tokSlash:
		return "'/'"
	case tokPercent:
		return "'%'"
	}
	return "unknown token"
}

type token struct {
	typ    tokenType
	lit    string
	line   int
	column int
}

func (t token) describe() string {
	if t.typ == tokWord || t.typ == tokString {
		return fmt.Sprintf("%q", t.lit)
	}
	return t.typ.String()
}

// ParseError is a syntactic error in a query, located by line and
// column (both 1-based).
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

func parseErrorf(line, column int, format string, args ...any) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...), Line: line, Column: column}
}
