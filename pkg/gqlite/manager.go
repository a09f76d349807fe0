// Package gqlite is the binding layer between the gateway and a graph
// engine reached through native.Library.
//
// It owns every native object the engine hands out:
//
//	m, err := gqlite.NewManager(gqlite.Options{Library: engine.NewLibrary(nil)})
//	defer m.Close()
//
//	db, err := m.Open(ctx, "/var/lib/gqlite")
//	graph, err := db.Query(ctx, "MATCH (n) RETURN n LIMIT 1")
//
// Query executes, serializes and releases in one scoped call. Callers that
// need the result more than once use Execute and must call Result.Release.
//
// All failures are *Error values classified by Kind. Engine messages pass
// through unmodified; engines without diagnostics yield GenericFailure.
package gqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orneryd/gqlite/pkg/native"
	"github.com/orneryd/gqlite/pkg/pool"
)

// Options configures a Manager.
type Options struct {
	// Library is the engine. Required.
	Library native.Library

	// Policy admits concurrent calls on one database. Default PolicyExclusive.
	Policy Policy

	// MaxReaders bounds concurrent readers under PolicySharedRead.
	MaxReaders int

	// TrackResources wraps Library in a native.Ledger and reports results
	// dropped without Release.
	TrackResources bool

	// OnLeak receives every ResourceError found by leak detection. The default
	// logs at warn level.
	OnLeak func(error)

	// SlowQueryThreshold logs queries slower than this at warn level. Zero
	// disables it.
	SlowQueryThreshold time.Duration

	// Buffers pools the slices native buffers are copied into.
	Buffers *pool.BufferPool

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Manager opens databases and owns their handles. It has no package-level
// state: construct one at startup and Close it at shutdown.
type Manager struct {
	lib         native.Library // possibly the ledger
	ledger      *native.Ledger
	cancellable bool
	concurrent  bool
	opts        Options
	log         zerolog.Logger

	// openMu serializes native opens; the open error is per-library state.
	openMu sync.Mutex

	mu      sync.Mutex
	dbs     map[string]*DB
	opening map[string]struct{}
	closed  bool
}

// NewManager validates opts and creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Library == nil {
		return nil, errors.New("gqlite: Options.Library is required")
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	if opts.Buffers == nil {
		opts.Buffers = pool.NewBufferPool(0, 0)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	m := &Manager{
		lib:        opts.Library,
		opts:       opts,
		log:        logger.With().Str("component", "gqlite").Logger(),
		dbs:        make(map[string]*DB),
		opening:    make(map[string]struct{}),
		concurrent: native.SupportsConcurrentReads(opts.Library),
	}
	_, m.cancellable = opts.Library.(native.ContextExecutor)
	if opts.TrackResources {
		m.ledger = native.NewLedger(opts.Library)
		m.ledger.OnViolation = func(v native.Violation) {
			m.leak(newError(KindResource, "release", "", v.Error(), v))
		}
		m.lib = m.ledger
	}
	if m.opts.OnLeak == nil {
		m.opts.OnLeak = func(err error) { m.log.Warn().Err(err).Msg("resource leak") }
	}
	if policy == PolicySharedRead && !m.concurrent {
		m.log.Info().Msg("library does not support concurrent reads, using exclusive access")
	}
	return m, nil
}

func (m *Manager) leak(err error) { m.opts.OnLeak(err) }

// Ledger returns the resource ledger, or nil unless TrackResources is set.
func (m *Manager) Ledger() *native.Ledger { return m.ledger }

// Policy returns the policy databases actually use.
func (m *Manager) Policy() Policy {
	if m.opts.Policy == PolicySharedRead && m.concurrent {
		return PolicySharedRead
	}
	return PolicyExclusive
}

func canonicalPath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Open opens or creates the database at path. Each path has at most one
// live DB per Manager.
func (m *Manager) Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errorf(KindOpen, "open", path, "empty path")
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindOpen, "open", path, "", err)
	}
	key, err := canonicalPath(path)
	if err != nil {
		return nil, newError(KindOpen, "open", path, "", err)
	}

	if err := m.reserve(key); err != nil {
		return nil, err
	}

	m.openMu.Lock()
	h := m.lib.Open(key)
	var msg string
	if h == 0 {
		msg = native.LastError(m.lib, 0)
	}
	m.openMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, key)
	if h == 0 {
		if msg == "" {
			msg = GenericFailure
		}
		m.log.Debug().Str("path", key).Str("error", msg).Msg("open failed")
		return nil, newError(KindOpen, "open", key, msg, nil)
	}
	if m.closed {
		m.lib.Close(h)
		return nil, errorf(KindOpen, "open", key, "manager closed")
	}

	db := newDB(m, key, h)
	m.dbs[key] = db
	m.log.Info().Str("path", key).Str("policy", string(db.gate.policy)).Msg("database opened")
	return db, nil
}

// reserve claims key for an Open in progress.
func (m *Manager) reserve(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errorf(KindOpen, "open", key, "manager closed")
	}
	_, live := m.dbs[key]
	_, pending := m.opening[key]
	if live || pending {
		return errorf(KindOpen, "open", key, "database already open")
	}
	m.opening[key] = struct{}{}
	return nil
}

func (m *Manager) unregister(db *DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbs[db.path] == db {
		delete(m.dbs, db.path)
	}
}

// Get returns the live DB for path.
func (m *Manager) Get(path string) (*DB, bool) {
	key, err := canonicalPath(path)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.dbs[key]
	return db, ok
}

// Len is the number of live databases.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dbs)
}

// Stats returns per-database statistics ordered by path.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	dbs := make([]*DB, 0, len(m.dbs))
	for _, db := range m.dbs {
		dbs = append(dbs, db)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(dbs))
	for _, db := range dbs {
		out = append(out, db.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Close closes every live database. Later Opens fail. Errors from individual
// databases are joined.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	dbs := make([]*DB, 0, len(m.dbs))
	for _, db := range m.dbs {
		dbs = append(dbs, db)
	}
	m.mu.Unlock()

	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	if m.ledger != nil {
		for _, v := range m.ledger.Outstanding() {
			errs = append(errs, newError(KindResource, "close", "", v.Error(), v))
		}
	}
	return errors.Join(errs...)
}
