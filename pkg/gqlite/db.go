package gqlite

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/gqlite/pkg/graphjson"
	"github.com/orneryd/gqlite/pkg/native"
)

// DB is an open database handle. It is safe for concurrent use; the gate
// decides how calls overlap.
type DB struct {
	m    *Manager
	lib  native.Library
	h    native.Handle
	path string
	gate *gate
	log  zerolog.Logger

	closing atomic.Bool

	mu      sync.Mutex
	closed  bool
	results map[*resultState]struct{}

	queries         atomic.Int64
	failures        atomic.Int64
	cancelled       atomic.Int64
	serialized      atomic.Int64
	serializeFailed atomic.Int64
	leaks           atomic.Int64
}

func newDB(m *Manager, path string, h native.Handle) *DB {
	return &DB{
		m:       m,
		lib:     m.lib,
		h:       h,
		path:    path,
		gate:    newGate(m.Policy(), m.opts.MaxReaders),
		log:     m.log.With().Str("db", path).Logger(),
		results: make(map[*resultState]struct{}),
	}
}

// Path returns the canonical path the database was opened with.
func (db *DB) Path() string { return db.path }

func (db *DB) invalid(op string) *Error {
	return errorf(KindInvalidHandle, op, db.path, "database is closed")
}

// enter acquires the gate and checks that db is still open.
func (db *DB) enter(ctx context.Context, op string, read bool) (func(), error) {
	if db.closing.Load() {
		return nil, db.invalid(op)
	}
	release, err := db.gate.acquire(ctx, read)
	if err != nil {
		return nil, newError(KindQuery, op, db.path, "", err)
	}
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		release()
		return nil, db.invalid(op)
	}
	return release, nil
}

// Execute runs query and returns a Result the caller must Release.
//
// Engine failures are QueryErrors carrying the engine's message. A ctx that
// ends while waiting or executing yields a QueryError wrapping ctx.Err();
// a result the engine produces after that point is released in the
// background. Failed queries are never retried.
func (db *DB) Execute(ctx context.Context, query string) (*Result, error) {
	release, token, err := db.execute(ctx, query)
	if err != nil {
		return nil, err
	}
	res := db.track(token, query)
	release()
	return res, nil
}

// execute enters the gate and runs query. On success the caller holds the
// gate and must call release.
func (db *DB) execute(ctx context.Context, query string) (release func(), token native.Result, err error) {
	read := IsReadOnly(query)
	release, err = db.enter(ctx, "execute", read)
	if err != nil {
		if KindOf(err) == KindQuery {
			db.cancelled.Add(1)
		}
		return nil, 0, err
	}
	db.queries.Add(1)

	start := time.Now()
	token, handedOff, err := db.call(ctx, query, release)
	elapsed := time.Since(start)
	if t := db.m.opts.SlowQueryThreshold; t > 0 && elapsed > t {
		db.log.Warn().Dur("elapsed", elapsed).Str("query", query).Msg("slow query")
	}
	if err != nil {
		db.failures.Add(1)
		if !handedOff {
			release()
		}
		return nil, 0, err
	}
	db.log.Debug().Dur("elapsed", elapsed).Bool("read", read).Msg("executed")
	return release, token, nil
}

// call runs the native execute with the gate held. When ctx ends before an
// engine without ContextExecutor returns, call returns at once with
// handedOff set: a background goroutine then owns the gate, waits for the
// engine, frees the late result and releases the gate.
func (db *DB) call(ctx context.Context, query string, release func()) (r native.Result, handedOff bool, err error) {
	if db.m.cancellable || ctx.Done() == nil {
		if ce, ok := db.lib.(native.ContextExecutor); ok && db.m.cancellable {
			r = ce.ExecuteContext(ctx, db.h, query)
		} else {
			r = db.lib.Execute(db.h, query)
		}
		if r == 0 {
			return 0, false, db.queryError(ctx)
		}
		if ctx.Err() != nil {
			db.lib.ReleaseResult(r)
			db.cancelled.Add(1)
			return 0, false, newError(KindQuery, "execute", db.path, "", ctx.Err())
		}
		return r, false, nil
	}

	type outcome struct {
		r   native.Result
		err error
	}
	var (
		mu        sync.Mutex
		abandoned bool
		done      = make(chan outcome, 1)
	)
	go func() {
		r := db.lib.Execute(db.h, query)

		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			// the abandon path already counted the cancellation
			if r != 0 {
				db.lib.ReleaseResult(r)
				db.log.Debug().Msg("released result of abandoned query")
			}
			release()
			return
		}
		o := outcome{r: r}
		if r == 0 {
			o.err = db.queryError(ctx)
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o.r, false, o.err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		select {
		case o := <-done:
			// Finished just as ctx ended; the outcome stands.
			return o.r, false, o.err
		default:
		}
		abandoned = true
		db.cancelled.Add(1)
		return 0, true, newError(KindQuery, "execute", db.path, "", ctx.Err())
	}
}

func (db *DB) queryError(ctx context.Context) *Error {
	msg := native.LastError(db.lib, db.h)
	if err := ctx.Err(); err != nil {
		db.cancelled.Add(1)
		return newError(KindQuery, "execute", db.path, msg, err)
	}
	if msg == "" {
		msg = GenericFailure
	}
	return newError(KindQuery, "execute", db.path, msg, nil)
}

func (db *DB) track(token native.Result, query string) *Result {
	st := &resultState{token: token, query: query, created: time.Now()}
	db.mu.Lock()
	db.results[st] = struct{}{}
	db.mu.Unlock()

	res := &Result{db: db, st: st}
	if db.m.opts.TrackResources {
		runtime.SetFinalizer(res, func(r *Result) { go r.db.reclaimDropped(r.st) })
	}
	return res
}

// reclaimDropped releases a result whose owner was garbage collected
// without calling Release.
func (db *DB) reclaimDropped(st *resultState) {
	release, err := db.gate.acquire(context.Background(), true)
	if err != nil {
		return
	}
	defer release()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released || st.reclaimed {
		return
	}
	db.lib.ReleaseResult(st.token)
	st.reclaimed = true
	db.forget(st)
	db.leaks.Add(1)
	db.m.leak(errorf(KindResource, "release", db.path, "result for %q dropped without Release", st.query))
}

func (db *DB) forget(st *resultState) {
	db.mu.Lock()
	delete(db.results, st)
	db.mu.Unlock()
}

// Query executes query, decodes its GraphJSON, and releases every native
// object before returning. The gate is held for the whole sequence, so a
// concurrent Close cannot reclaim the result halfway.
func (db *DB) Query(ctx context.Context, query string) (*graphjson.Graph, error) {
	release, token, err := db.execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer release()

	st := &resultState{token: token, query: query, created: time.Now()}
	res := &Result{db: db, st: st}
	st.mu.Lock()
	defer func() {
		db.lib.ReleaseResult(st.token)
		st.released = true
		st.mu.Unlock()
	}()
	return res.graphLocked()
}

// QueryJSON is Query returning the canonical encoding.
func (db *DB) QueryJSON(ctx context.Context, query string) ([]byte, error) {
	g, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	data, err := g.Encode()
	if err != nil {
		return nil, newError(KindSerialization, "serialize", db.path, "", err)
	}
	return data, nil
}

// Close waits for in-flight calls, releases results that were never
// released, and closes the native handle. Unreleased results are reported
// as a ResourceError after the handle is closed. A second Close returns an
// InvalidHandleError.
func (db *DB) Close() error {
	if !db.closing.CompareAndSwap(false, true) {
		return errorf(KindInvalidHandle, "close", db.path, "database already closed")
	}
	release, _ := db.gate.acquire(context.Background(), false)
	defer release()

	db.mu.Lock()
	db.closed = true
	pending := make([]*resultState, 0, len(db.results))
	for st := range db.results {
		pending = append(pending, st)
	}
	db.results = make(map[*resultState]struct{})
	db.mu.Unlock()

	for _, st := range pending {
		st.mu.Lock()
		if !st.released && !st.reclaimed {
			db.lib.ReleaseResult(st.token)
			st.reclaimed = true
		}
		st.mu.Unlock()
	}

	db.lib.Close(db.h)
	db.m.unregister(db)
	db.log.Info().Int("reclaimed", len(pending)).Msg("database closed")

	if len(pending) == 0 {
		return nil
	}
	db.leaks.Add(int64(len(pending)))
	err := errorf(KindResource, "close", db.path, "%d result(s) never released", len(pending))
	db.m.leak(err)
	return err
}

// Stats describes one database.
type Stats struct {
	Path                  string `json:"path"`
	Policy                Policy `json:"policy"`
	Closed                bool   `json:"closed"`
	LiveResults           int    `json:"live_results"`
	Queries               int64  `json:"queries"`
	Failures              int64  `json:"failures"`
	Cancelled             int64  `json:"cancelled"`
	Serialized            int64  `json:"serialized"`
	SerializationFailures int64  `json:"serialization_failures"`
	Leaks                 int64  `json:"leaks"`
}

// Stats returns a snapshot of db's counters.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	live, closed := len(db.results), db.closed
	db.mu.Unlock()
	return Stats{
		Path:                  db.path,
		Policy:                db.gate.policy,
		Closed:                closed,
		LiveResults:           live,
		Queries:               db.queries.Load(),
		Failures:              db.failures.Load(),
		Cancelled:             db.cancelled.Load(),
		Serialized:            db.serialized.Load(),
		SerializationFailures: db.serializeFailed.Load(),
		Leaks:                 db.leaks.Load(),
	}
}

func (db *DB) String() string { return fmt.Sprintf("gqlite.DB(%s)", db.path) }
