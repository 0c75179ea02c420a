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
	"unicode"
)

// lexer scans a query into tokens. Barewords are permissive: they
// cover identifiers, dotted field paths, numbers, durations (1h),
// relative times (15m@m after a leading '-'), wildcard-bearing values
// (web-*), and unquoted values such as web-01. A hyphen binds to the
// word when it sits between two word characters, so subtraction in
// eval expressions needs surrounding spaces.
type lexer struct {
	input  string
	pos    int
	line   int
	column int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1, column: 1}
}

func isWordStart(r byte) bool {
	return r == '_' || r == '*' || r == '.' ||
		('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

func isWordPart(r byte) bool {
	return isWordStart(r) || r == ':' || r == '@' || r == '/'
}

func (l *lexer) advance(n int) {
	for i := 0; i < n; i++ {
		if l.input[l.pos] == '\n' {
			l.line++
			l.column = 1
		} else {
			l.column++
		}
		l.pos++
	}
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *lexer) next() (token, *ParseError) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.advance(1)
	}
	tok := token{line: l.line, column: l.column}
	if l.pos >= len(l.input) {
		tok.typ = tokEOF
		return tok, nil
	}

	c := l.input[l.pos]
	switch c {
	case '|':
		l.advance(1)
		tok.typ = tokPipe
		return tok, nil
	case '(':
		l.advance(1)
		tok.typ = tokLParen
		return tok, nil
	case ')':
		l.advance(1)
		tok.typ = tokRParen
		return tok, nil
	case ',':
		l.advance(1)
		tok.typ = tokComma
		return tok, nil
	case '=':
		l.advance(1)
		tok.typ = tokEq
		return tok, nil
	case '!':
		if l.peekByte(1) == '=' {
			l.advance(2)
			tok.typ = tokNeq
			return tok, nil
		}
		return tok, parseErrorf(tok.line, tok.column, "unexpected '!'; did you mean '!='?")
	case '<':
		if l.peekByte(1) == '=' {
			l.advance(2)
			tok.typ = tokLte
			return tok, nil
		}
		l.advance(1)
		tok.typ = tokLt
		return tok, nil
	case '>':
		if l.peekByte(1) == '=' {
			l.advance(2)
			tok.typ = tokGte
			return tok, nil
		}
		l.advance(1)
		tok.typ = tokGt
		return tok, nil
	case '~':
		l.advance(1)
		tok.typ = tokMatch
		return tok, nil
	case '+':
		l.advance(1)
		tok.typ = tokPlus
		return tok, nil
	case '-':
		l.advance(1)
		tok.typ = tokMinus
		return tok, nil
	case '/':
		l.advance(1)
		tok.typ = tokSlash
		return tok, nil
	case '%':
		l.advance(1)
		tok.typ = tokPercent
		return tok, nil
	case '"':
		return l.scanString()
	}

	if isWordStart(c) {
		return l.scanWord()
	}
	return tok, parseErrorf(tok.line, tok.column, "unexpected character %q", string(rune(c)))
}

func (l *lexer) scanString() (token, *ParseError) {
	tok := token{typ: tokString, line: l.line, column: l.column}
	l.advance(1) // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '"':
			l.advance(1)
			tok.lit = b.String()
			return tok, nil
		case '\\':
			if l.pos+1 >= len(l.input) {
				return tok, parseErrorf(l.line, l.column, "unterminated escape sequence")
			}
			esc := l.input[l.pos+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				// Preserve unknown escapes verbatim; regex arguments
				// rely on sequences like \d and \w.
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			l.advance(2)
		default:
			b.WriteByte(c)
			l.advance(1)
		}
	}
	return tok, parseErrorf(tok.line, tok.column, "unterminated string")
}

func (l *lexer) scanWord() (token, *ParseError) {
	tok := token{typ: tokWord, line: l.line, column: l.column}
	start := l.pos
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if isWordPart(c) {
			l.advance(1)
			continue
		}
		// A hyphen between two word characters stays in the word
		// (host names like web-01, dates like 2023-10-05).
		if c == '-' && l.pos > start && isWordStart(l.peekByte(1)) {
			l.advance(1)
			continue
		}
		break
	}
	tok.lit = l.input[start:l.pos]
	return tok, nil
}

// lexAll tokenizes the whole input up front; queries are capped at
// 50 KiB so the token slice stays small.
func lexAll(input string) ([]token, *ParseError) {
	l := newLexer(input)
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.typ == tokEOF {
			return toks, nil
		}
	}
}
