// Package native defines the contract between the gateway and a graph engine
// reachable across a C-style ABI.
//
// The engine exposes six calls: open, close, execute, release_result,
// result_to_json and release_json_buffer. Every object it hands out is an
// opaque token whose zero value means "null". Tokens carry no Go ownership
// semantics of their own; the caller must pair each non-zero Result and
// Buffer with exactly one release call.
//
// Two implementations live in this repository:
//   - pkg/engine: a pure-Go embedded engine over badger
//   - CgoLibrary (build tag "gqlite"): the C engine linked as libgqlite
//
// Tests use pkg/native/nativetest, a scriptable double with counters.
package native

import "context"

// Handle identifies an open database. Zero is the null handle.
type Handle uintptr

// Result identifies a native result set. Zero is the null result.
type Result uintptr

// Buffer identifies a native NUL-terminated JSON buffer. Zero is the null buffer.
type Buffer uintptr

// Library is the engine's ABI. Implementations need not be safe for
// concurrent use on the same Handle; callers serialize access.
type Library interface {
	// Open opens or creates the database at path. Failure returns 0.
	Open(path string) Handle

	// Close releases the handle. Must be called at most once per handle.
	Close(h Handle)

	// Execute runs query against h. Failure returns 0.
	Execute(h Handle, query string) Result

	// ReleaseResult frees r. Must be called exactly once per non-zero result.
	ReleaseResult(r Result)

	// ResultToJSON encodes r into a new buffer owned by the caller. Failure returns 0.
	ResultToJSON(r Result) Buffer

	// ReleaseJSON frees b. Must be called exactly once per non-zero buffer.
	ReleaseJSON(b Buffer)

	// AppendBytes appends the contents of b to dst and returns the extended
	// slice. The returned bytes never alias native memory.
	AppendBytes(dst []byte, b Buffer) []byte
}

// Diagnostics is implemented by libraries that can explain a failure.
type Diagnostics interface {
	// LastError returns the message for the most recent failed call on h,
	// or "" if none. LastError(0) reports the most recent Open failure.
	LastError(h Handle) string
}

// ContextExecutor is implemented by libraries that can abandon a running
// query when ctx ends.
type ContextExecutor interface {
	ExecuteContext(ctx context.Context, h Handle, query string) Result
}

// ConcurrentReader is implemented by libraries that document Execute as
// safe for concurrent read-only queries on one handle.
type ConcurrentReader interface {
	ConcurrentReads() bool
}

// LastError returns lib's diagnostic for h if lib implements Diagnostics.
func LastError(lib Library, h Handle) string {
	if d, ok := lib.(Diagnostics); ok {
		return d.LastError(h)
	}
	return ""
}

// SupportsConcurrentReads reports whether lib allows shared-read access.
func SupportsConcurrentReads(lib Library) bool {
	c, ok := lib.(ConcurrentReader)
	return ok && c.ConcurrentReads()
}
