package gqlite

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies gateway failures. A Kind is itself an error, so the
// exported sentinels below work with errors.Is:
//
//	if errors.Is(err, gqlite.ErrQuery) { ... }
type Kind string

const (
	KindOpen          Kind = "OpenError"
	KindInvalidHandle Kind = "InvalidHandleError"
	KindQuery         Kind = "QueryError"
	KindSerialization Kind = "SerializationError"
	KindResource      Kind = "ResourceError"
)

func (k Kind) Error() string { return string(k) }

// Sentinels for errors.Is.
var (
	// ErrOpen: the database could not be opened.
	ErrOpen error = KindOpen

	// ErrInvalidHandle: the database or result was closed or never opened.
	ErrInvalidHandle error = KindInvalidHandle

	// ErrQuery: the engine rejected or failed the query.
	ErrQuery error = KindQuery

	// ErrSerialization: the engine's JSON was missing, malformed or inconsistent.
	ErrSerialization error = KindSerialization

	// ErrResource: the release protocol was violated.
	ErrResource error = KindResource
)

// GenericFailure is the message used when the engine gives no detail.
const GenericFailure = "generic failure, no detail"

// Error is the structured error returned by every gateway operation.
type Error struct {
	Kind Kind
	Op   string // open, close, execute, serialize, release
	Path string // database path, if known
	Msg  string // engine message, passed through verbatim
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("gqlite.")
	sb.WriteString(e.Op)
	if e.Path != "" {
		sb.WriteByte(' ')
		sb.WriteString(e.Path)
	}
	sb.WriteString(": ")
	sb.WriteString(string(e.Kind))
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil && (e.Msg == "" || !strings.Contains(e.Msg, e.Err.Error())) {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Message returns the engine's message, or the cause when there is none.
func (e *Error) Message() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return GenericFailure
	}
}

func newError(kind Kind, op, path, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: msg, Err: cause}
}

func errorf(kind Kind, op, path, format string, args ...any) *Error {
	return newError(kind, op, path, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of err, or "" if err is not a gateway error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
