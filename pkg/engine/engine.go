// Package engine implements native.Library in pure Go on top of the badger
// storage engine and the cypher executor.
//
// It follows the exact ownership rules of the C engine: every Result and
// Buffer it returns is an arena entry that lives until the matching release
// call, and releasing an unknown token is a no-op. Unlike the C engine it
// reports failures through native.Diagnostics and honours cancellation
// through native.ContextExecutor.
//
// A path of ":memory:" opens a store that disappears on Close. Any other
// path names a badger directory, created if missing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orneryd/gqlite/pkg/cypher"
	"github.com/orneryd/gqlite/pkg/native"
	"github.com/orneryd/gqlite/pkg/storage"
)

// MemoryPath opens an in-memory store.
const MemoryPath = ":memory:"

// Options configures the embedded engine.
type Options struct {
	// SyncWrites forces fsync after every badger write.
	SyncWrites bool

	// ConcurrentReads advertises shared-read access to the gateway.
	ConcurrentReads bool

	// Logger receives engine and badger logs. Defaults to the global logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns the options used by NewLibrary(nil).
func DefaultOptions() Options {
	return Options{ConcurrentReads: true}
}

type database struct {
	path  string
	store storage.Engine
	exec  *cypher.StorageExecutor
}

// Library is the embedded engine. It is safe for concurrent use.
type Library struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	next    uintptr
	dbs     map[native.Handle]*database
	results map[native.Result]*cypher.ExecuteResult
	buffers map[native.Buffer][]byte
	lastErr map[native.Handle]string
}

// NewLibrary creates an engine. A nil opts selects DefaultOptions.
func NewLibrary(opts *Options) *Library {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	logger := log.Logger
	if o.Logger != nil {
		logger = *o.Logger
	}
	return &Library{
		opts:    o,
		log:     logger.With().Str("component", "engine").Logger(),
		dbs:     make(map[native.Handle]*database),
		results: make(map[native.Result]*cypher.ExecuteResult),
		buffers: make(map[native.Buffer][]byte),
		lastErr: make(map[native.Handle]string),
	}
}

func (l *Library) token() uintptr {
	l.next++
	return l.next
}

func (l *Library) fail(h native.Handle, err error) {
	l.mu.Lock()
	l.lastErr[h] = err.Error()
	l.mu.Unlock()
}

func (l *Library) openStore(path string) (storage.Engine, error) {
	if path == MemoryPath {
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{InMemory: true})
	}
	if path == "" {
		return nil, errors.New("empty path")
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", path)
	}
	badgerLog := l.log
	return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:    path,
		SyncWrites: l.opts.SyncWrites,
		Logger:     &badgerLog,
	})
}

func (l *Library) Open(path string) native.Handle {
	store, err := l.openStore(path)
	if err != nil {
		l.log.Debug().Err(err).Str("path", path).Msg("open failed")
		l.fail(0, err)
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	h := native.Handle(l.token())
	l.dbs[h] = &database{path: path, store: store, exec: cypher.NewStorageExecutor(store)}
	delete(l.lastErr, 0)
	l.log.Debug().Str("path", path).Uint64("handle", uint64(h)).Msg("opened")
	return h
}

func (l *Library) Close(h native.Handle) {
	l.mu.Lock()
	db, ok := l.dbs[h]
	delete(l.dbs, h)
	delete(l.lastErr, h)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := db.store.Close(); err != nil {
		l.log.Warn().Err(err).Str("path", db.path).Msg("close failed")
	}
}

func (l *Library) Execute(h native.Handle, query string) native.Result {
	return l.ExecuteContext(context.Background(), h, query)
}

func (l *Library) ExecuteContext(ctx context.Context, h native.Handle, query string) native.Result {
	l.mu.Lock()
	db, ok := l.dbs[h]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	res, err := db.exec.Execute(ctx, query)
	if err != nil {
		l.fail(h, err)
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastErr, h)
	r := native.Result(l.token())
	l.results[r] = res
	return r
}

func (l *Library) ReleaseResult(r native.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.results, r)
}

func (l *Library) ResultToJSON(r native.Result) native.Buffer {
	l.mu.Lock()
	res, ok := l.results[r]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	data, err := encodeResult(res)
	if err != nil {
		l.log.Error().Err(err).Msg("encode result")
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b := native.Buffer(l.token())
	l.buffers[b] = data
	return b
}

func (l *Library) ReleaseJSON(b native.Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buffers, b)
}

func (l *Library) AppendBytes(dst []byte, b native.Buffer) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(dst, l.buffers[b]...)
}

func (l *Library) LastError(h native.Handle) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr[h]
}

func (l *Library) ConcurrentReads() bool { return l.opts.ConcurrentReads }

// Live reports the number of open handles, unreleased results and
// unreleased buffers.
func (l *Library) Live() (handles, results, buffers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dbs), len(l.results), len(l.buffers)
}

// StoreStats reports node and edge counts for the store behind h.
func (l *Library) StoreStats(h native.Handle) (nodes, edges int64, err error) {
	l.mu.Lock()
	db, ok := l.dbs[h]
	l.mu.Unlock()
	if !ok {
		return 0, 0, storage.ErrStorageClosed
	}
	if nodes, err = db.store.NodeCount(); err != nil {
		return 0, 0, err
	}
	edges, err = db.store.EdgeCount()
	return nodes, edges, err
}

var (
	_ native.Library          = (*Library)(nil)
	_ native.Diagnostics      = (*Library)(nil)
	_ native.ContextExecutor  = (*Library)(nil)
	_ native.ConcurrentReader = (*Library)(nil)
)
