package gqlite

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/orneryd/gqlite/pkg/graphjson"
	"github.com/orneryd/gqlite/pkg/native"
)

type resultState struct {
	mu        sync.Mutex
	token     native.Result
	query     string
	created   time.Time
	released  bool
	reclaimed bool // released by DB.Close or the finalizer
}

// Result owns one native result. It must be released exactly once, and it
// becomes invalid when its DB closes.
//
// A Result may be serialized any number of times before Release. Methods are
// safe for concurrent use.
type Result struct {
	db *DB
	st *resultState
}

// Query returns the query text that produced r.
func (r *Result) Query() string { return r.st.query }

// lock acquires the gate and r's state lock and checks r is usable.
func (r *Result) lock(op string) (func(), error) {
	release, err := r.db.gate.acquire(context.Background(), true)
	if err != nil {
		return nil, newError(KindQuery, op, r.db.path, "", err)
	}
	r.st.mu.Lock()
	unlock := func() {
		r.st.mu.Unlock()
		release()
	}
	switch {
	case r.st.reclaimed:
		unlock()
		return nil, errorf(KindInvalidHandle, op, r.db.path, "result invalidated by close")
	case r.st.released:
		unlock()
		return nil, errorf(KindResource, op, r.db.path, "result already released")
	}
	return unlock, nil
}

// Graph serializes r: the engine encodes it into a native buffer, the buffer
// is copied into Go memory and released, and the copy is decoded and
// validated. Engine order and duplicate records are preserved.
func (r *Result) Graph() (*graphjson.Graph, error) {
	unlock, err := r.lock("serialize")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.graphLocked()
}

// graphLocked is Graph for callers holding the gate and r.st.mu.
func (r *Result) graphLocked() (*graphjson.Graph, error) {
	data, err := r.raw()
	if err != nil {
		return nil, err
	}
	defer r.db.m.opts.Buffers.Put(data)

	g, err := graphjson.Decode(*data)
	if err != nil {
		r.db.serializeFailed.Add(1)
		return nil, newError(KindSerialization, "serialize", r.db.path, err.Error(), errors.Unwrap(err))
	}
	r.db.serialized.Add(1)
	return g, nil
}

// JSON serializes r and returns the canonical GraphJSON encoding.
func (r *Result) JSON() ([]byte, error) {
	g, err := r.Graph()
	if err != nil {
		return nil, err
	}
	data, err := g.Encode()
	if err != nil {
		return nil, newError(KindSerialization, "serialize", r.db.path, "", err)
	}
	return data, nil
}

// raw copies the engine's encoding of r into a pooled slice. The native
// buffer is released before raw returns.
func (r *Result) raw() (*[]byte, error) {
	lib := r.db.lib
	b := lib.ResultToJSON(r.st.token)
	if b == 0 {
		r.db.serializeFailed.Add(1)
		msg := native.LastError(lib, r.db.h)
		if msg == "" {
			msg = "engine returned a null buffer"
		}
		return nil, newError(KindSerialization, "serialize", r.db.path, msg, nil)
	}
	defer lib.ReleaseJSON(b)

	buf := r.db.m.opts.Buffers.Get()
	*buf = lib.AppendBytes(*buf, b)
	return buf, nil
}

// Release frees the native result. A second Release is a ResourceError;
// Release after the DB closed is an InvalidHandleError.
func (r *Result) Release() error {
	unlock, err := r.lock("release")
	if err != nil {
		if KindOf(err) == KindResource {
			r.db.m.leak(err)
		}
		return err
	}
	defer unlock()

	r.db.lib.ReleaseResult(r.st.token)
	r.st.released = true
	r.db.forget(r.st)
	runtime.SetFinalizer(r, nil)
	return nil
}
