package gqlite

import (
	"strings"
	"unicode"
)

var writeKeywords = map[string]bool{
	"CREATE": true,
	"MERGE":  true,
	"DELETE": true,
	"DETACH": true,
	"SET":    true,
	"REMOVE": true,
	"DROP":   true,
	"CALL":   true,
	"LOAD":   true,
}

// IsReadOnly reports whether query contains no clause that can modify the
// graph. Keywords inside comments, quoted strings and backtick identifiers
// are ignored.
// Unknown text is treated as a write, so the answer errs on the side of
// exclusive access. CALL is a write because procedures are opaque.
func IsReadOnly(query string) bool {
	if strings.TrimSpace(query) == "" {
		return false
	}
	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(query, i)
		case c == '/' && i+1 < len(query) && query[i+1] == '/':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 4
		case isWordByte(c):
			start := i
			for i < len(query) && isWordByte(query[i]) {
				i++
			}
			if writeKeywords[strings.ToUpper(query[start:i])] {
				return false
			}
		default:
			i++
		}
	}
	return true
}

func skipQuoted(s string, i int) int {
	quote := s[i]
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
			continue
		case quote:
			return i + 1
		}
		i++
	}
	return i
}

func isWordByte(c byte) bool {
	return c == '_' || (c < 0x80 && (unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))))
}
