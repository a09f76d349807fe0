package cypher

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokPunct
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	default:
		return "symbol"
	}
}

type token struct {
	kind tokenKind
	text string // unquoted for strings
	pos  int    // byte offset in the query
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// is reports whether t is the keyword kw (case-insensitive) or the symbol kw.
func (t token) is(kw string) bool {
	switch t.kind {
	case tokIdent:
		return strings.EqualFold(t.text, kw)
	case tokPunct:
		return t.text == kw
	}
	return false
}

// SyntaxError reports a query that could not be parsed.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Msg)
}

// twoCharPuncts are matched before single characters.
var twoCharPuncts = []string{"<=", ">=", "<>", "..", "!="}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case r == '/' && strings.HasPrefix(input[i:], "//"):
			for i < len(input) && input[i] != '\n' {
				i++
			}

		case r == '\'' || r == '"':
			start := i
			text, n, err := lexString(input[i:], byte(r))
			if err != nil {
				return nil, &SyntaxError{Offset: start, Msg: err.Error()}
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: start})
			i += n

		case r == '`':
			start := i
			end := strings.IndexByte(input[i+1:], '`')
			if end < 0 {
				return nil, &SyntaxError{Offset: start, Msg: "unterminated quoted identifier"}
			}
			tokens = append(tokens, token{kind: tokIdent, text: input[i+1 : i+1+end], pos: start})
			i += end + 2

		case unicode.IsDigit(r):
			start := i
			for i < len(input) && isDigit(input[i]) {
				i++
			}
			if i+1 < len(input) && input[i] == '.' && isDigit(input[i+1]) {
				i++
				for i < len(input) && isDigit(input[i]) {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], pos: start})

		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(input) {
				r, size := utf8.DecodeRuneInString(input[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			tokens = append(tokens, token{kind: tokIdent, text: input[start:i], pos: start})

		default:
			matched := false
			for _, p := range twoCharPuncts {
				if strings.HasPrefix(input[i:], p) {
					tokens = append(tokens, token{kind: tokPunct, text: p, pos: i})
					i += len(p)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if !strings.ContainsRune("()[]{}:,.=<>-*|;", r) {
				return nil, &SyntaxError{Offset: i, Msg: fmt.Sprintf("unexpected character %q", r)}
			}
			tokens = append(tokens, token{kind: tokPunct, text: string(r), pos: i})
			i += size
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(input)})
	return tokens, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// lexString reads a quoted string starting at s[0] and returns the unescaped
// text and the number of bytes consumed.
func lexString(s string, quote byte) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}
