//go:build !cgo || !gqlite

package native

import "errors"

var errCgoNotSupported = errors.New("C engine not linked: build with CGO_ENABLED=1 -tags=gqlite and libgqlite in lib/gqlite")

// CgoAvailable reports whether the C engine is linked into this binary.
const CgoAvailable = false

// CgoLibrary is a stub on builds without the C engine.
type CgoLibrary struct{}

// NewCgoLibrary returns an error on builds without the C engine.
func NewCgoLibrary() (*CgoLibrary, error) {
	return nil, errCgoNotSupported
}

func (*CgoLibrary) Open(string) Handle { return 0 }
func (*CgoLibrary) Close(Handle) {}
func (*CgoLibrary) Execute(Handle, string) Result { return 0 }
func (*CgoLibrary) ReleaseResult(Result) {}
func (*CgoLibrary) ResultToJSON(Result) Buffer { return 0 }
func (*CgoLibrary) ReleaseJSON(Buffer) {}
func (*CgoLibrary) AppendBytes(dst []byte, _ Buffer) []byte { return dst }

var _ Library = (*CgoLibrary)(nil)
