//go:build cgo && gqlite

package native

/*
#cgo CFLAGS: -I${SRCDIR}/../../lib/gqlite
#cgo LDFLAGS: -L${SRCDIR}/../../lib/gqlite -lgqlite -lrocksdb -lstdc++ -lm -lpthread

#include <stdlib.h>
#include <string.h>
#include "graphdb.h"
#include "cypher_parser.h"
*/
import "C"

import (
	"sync"
	"unsafe"
)

// CgoAvailable reports whether the C engine is linked into this binary.
const CgoAvailable = true

// CgoLibrary calls libgqlite through cgo.
//
// The C engine returns raw pointers. They are kept in a registry and handed
// out as small integer tokens, so no C pointer is ever reconstructed from a
// uintptr and a stale token is rejected instead of dereferenced.
type CgoLibrary struct {
	mu      sync.Mutex
	next    uintptr
	objects map[uintptr]unsafe.Pointer
}

// NewCgoLibrary returns the linked C engine.
func NewCgoLibrary() (*CgoLibrary, error) {
	return &CgoLibrary{objects: make(map[uintptr]unsafe.Pointer)}, nil
}

func (l *CgoLibrary) put(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.objects[l.next] = p
	return l.next
}

func (l *CgoLibrary) get(token uintptr) unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.objects[token]
}

func (l *CgoLibrary) take(token uintptr) unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.objects[token]
	delete(l.objects, token)
	return p
}

func (l *CgoLibrary) Open(path string) Handle {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	return Handle(l.put(unsafe.Pointer(C.graphdb_open(cPath))))
}

func (l *CgoLibrary) Close(h Handle) {
	if p := l.take(uintptr(h)); p != nil {
		C.graphdb_close((*C.GraphDB)(p))
	}
}

func (l *CgoLibrary) Execute(h Handle, query string) Result {
	db := l.get(uintptr(h))
	if db == nil {
		return 0
	}
	cQuery := C.CString(query)
	defer C.free(unsafe.Pointer(cQuery))
	return Result(l.put(unsafe.Pointer(C.execute_cypher((*C.GraphDB)(db), cQuery))))
}

func (l *CgoLibrary) ReleaseResult(r Result) {
	if p := l.take(uintptr(r)); p != nil {
		C.free_cypher_result((*C.CypherResult)(p))
	}
}

func (l *CgoLibrary) ResultToJSON(r Result) Buffer {
	res := l.get(uintptr(r))
	if res == nil {
		return 0
	}
	return Buffer(l.put(unsafe.Pointer(C.cypher_result_to_d3_json((*C.CypherResult)(res)))))
}

func (l *CgoLibrary) ReleaseJSON(b Buffer) {
	if p := l.take(uintptr(b)); p != nil {
		C.free_d3_json((*C.char)(p))
	}
}

func (l *CgoLibrary) AppendBytes(dst []byte, b Buffer) []byte {
	p := l.get(uintptr(b))
	if p == nil {
		return dst
	}
	n := C.strlen((*C.char)(p))
	return append(dst, unsafe.Slice((*byte)(p), int(n))...)
}

var _ Library = (*CgoLibrary)(nil)
