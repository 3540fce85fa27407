package pattern

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError carries a source position for caller-facing diagnostics.
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at line %d, column %d", e.Message, e.Line, e.Column)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokArrow
)

type token struct {
	kind   tokenKind
	text   string
	number float64
	line   int
	column int
}

type lexer struct {
	src    string
	pos    int
	line   int
	column int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, column: 1}
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Message: fmt.Sprintf(format, args...), Line: l.line, Column: l.column}
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	return c
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			l.advance()
			continue
		}
		if c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/' {
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance()
			}
			continue
		}
		break
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line, column: l.column}, nil
	}
	line, column := l.line, l.column
	c := l.src[l.pos]
	switch c {
	case '(':
		l.advance()
		return token{kind: tokLParen, text: "(", line: line, column: column}, nil
	case ')':
		l.advance()
		return token{kind: tokRParen, text: ")", line: line, column: column}, nil
	case ',':
		l.advance()
		return token{kind: tokComma, text: ",", line: line, column: column}, nil
	case '.':
		l.advance()
		return token{kind: tokDot, text: ".", line: line, column: column}, nil
	case '=':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '>' {
			l.advance()
			l.advance()
			return token{kind: tokArrow, text: "=>", line: line, column: column}, nil
		}
		return token{}, l.errorf("unexpected character %q", c)
	case '"', '\'', '`':
		quote := c
		l.advance()
		var sb strings.Builder
		for {
			if l.pos >= len(l.src) {
				return token{}, l.errorf("unterminated string")
			}
			ch := l.advance()
			if ch == quote {
				break
			}
			if ch == '\\' && l.pos < len(l.src) {
				ch = l.advance()
			}
			sb.WriteByte(ch)
		}
		return token{kind: tokString, text: sb.String(), line: line, column: column}, nil
	}
	if c == '-' || (c >= '0' && c <= '9') {
		start := l.pos
		if c == '-' {
			l.advance()
		}
		for l.pos < len(l.src) && (l.src[l.pos] == '.' || (l.src[l.pos] >= '0' && l.src[l.pos] <= '9')) {
			// A dot followed by a letter starts a method chain, not a decimal.
			if l.src[l.pos] == '.' && l.pos+1 < len(l.src) && unicode.IsLetter(rune(l.src[l.pos+1])) {
				break
			}
			l.advance()
		}
		text := l.src[start:l.pos]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, l.errorf("bad number %q", text)
		}
		return token{kind: tokNumber, text: text, number: n, line: line, column: column}, nil
	}
	if unicode.IsLetter(rune(c)) || c == '_' || c == '$' {
		start := l.pos
		for l.pos < len(l.src) {
			r := rune(l.src[l.pos])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '$' {
				break
			}
			l.advance()
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], line: line, column: column}, nil
	}
	return token{}, l.errorf("unexpected character %q", c)
}
