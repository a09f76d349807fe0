package gqlite

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/gqlite/pkg/native/nativetest"
)

// =============================================================================
// Concurrency Coordinator
// =============================================================================

func TestGate_ExclusiveSerializesReads(t *testing.T) {
	fake := nativetest.New()
	fake.Concurrent = true // ignored under the exclusive policy
	fake.OnExecute = func(string) { time.Sleep(time.Millisecond) }
	db, _ := setupTestDB(t, fake, Options{Policy: PolicyExclusive})

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := db.Query(context.Background(), "MATCH (n) RETURN n")
			return err
		})
	}
	require.NoError(t, g.Wait())

	c := fake.Counters()
	assert.Equal(t, 1, c.MaxInFlight)
	assert.Equal(t, 32, c.Executes)
	assertBalanced(t, fake)
}

func TestGate_SharedReadOverlapsReads(t *testing.T) {
	const readers = 4
	fake := nativetest.New()
	fake.Concurrent = true

	var (
		arrived atomic.Int32
		all     = make(chan struct{})
		once    sync.Once
	)
	fake.OnExecute = func(string) {
		if arrived.Add(1) == readers {
			once.Do(func() { close(all) })
		}
		select {
		case <-all:
		case <-time.After(5 * time.Second):
		}
	}
	db, _ := setupTestDB(t, fake, Options{Policy: PolicySharedRead})
	assert.Equal(t, PolicySharedRead, db.Stats().Policy)

	var g errgroup.Group
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			_, err := db.Query(context.Background(), "MATCH (n) RETURN n")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, readers, fake.Counters().MaxInFlight)
	assertBalanced(t, fake)
}

func TestGate_SharedReadWritesRunAlone(t *testing.T) {
	fake := nativetest.New()
	fake.Concurrent = true

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	fake.OnExecute = func(q string) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if strings.HasPrefix(q, "CREATE") && n > 1 {
			overlap.Store(true)
		}
		time.Sleep(200 * time.Microsecond)
		if strings.HasPrefix(q, "CREATE") && inFlight.Load() > 1 {
			overlap.Store(true)
		}
	}
	db, _ := setupTestDB(t, fake, Options{Policy: PolicySharedRead})

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		q := "MATCH (n) RETURN n"
		if i%5 == 0 {
			q = "CREATE (n {id: 'x'})"
		}
		g.Go(func() error {
			_, err := db.Query(context.Background(), q)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.False(t, overlap.Load(), "a write overlapped another call")
	assertBalanced(t, fake)
}

func TestGate_SharedReadDegradesWithoutSupport(t *testing.T) {
	fake := nativetest.New()
	db, _ := setupTestDB(t, fake, Options{Policy: PolicySharedRead})
	assert.Equal(t, PolicyExclusive, db.Stats().Policy)
	assert.Equal(t, PolicyExclusive, db.m.Policy())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyExclusive, p)

	p, err = ParsePolicy("shared-read")
	require.NoError(t, err)
	assert.Equal(t, PolicySharedRead, p)

	_, err = ParsePolicy("rw")
	assert.Error(t, err)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestExecute_DeadlineWithoutContextSupport(t *testing.T) {
	fake := nativetest.New()
	unblock := make(chan struct{})
	fake.OnExecute = func(q string) {
		if q == "SLOW" {
			<-unblock
		}
	}
	m, _ := setupTestManager(t, fake, Options{})
	m.cancellable = false // behave like the C engine
	db, err := m.Open(context.Background(), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = db.Execute(ctx, "SLOW")
	require.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	require.Eventually(t, func() bool {
		c := fake.Counters()
		return c.ResultsAcquired == 1 && c.LiveResults() == 0
	}, 2*time.Second, 5*time.Millisecond, "late result must be released")

	// The handle is still usable once the abandoned call finishes.
	_, err = db.Query(context.Background(), "MATCH (n) RETURN n")
	require.NoError(t, err)
	assertBalanced(t, fake)
	assert.Equal(t, int64(1), db.Stats().Cancelled)
}

func TestExecute_AbandonedFailureCountedOnce(t *testing.T) {
	fake := nativetest.New()
	fake.Respond("SLOW", nativetest.Response{Err: "engine gave up"})
	unblock := make(chan struct{})
	fake.OnExecute = func(q string) {
		if q == "SLOW" {
			<-unblock
		}
	}
	m, _ := setupTestManager(t, fake, Options{})
	m.cancellable = false
	db, err := m.Open(context.Background(), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = db.Execute(ctx, "SLOW")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	// Blocks until the abandoned call gives the gate back.
	_, err = db.Query(context.Background(), "MATCH (n) RETURN n")
	require.NoError(t, err)
	assertBalanced(t, fake)
	assert.Equal(t, int64(1), db.Stats().Cancelled)
}

func TestExecute_DeadlineWhileWaitingForGate(t *testing.T) {
	fake := nativetest.New()
	started := make(chan struct{})
	unblock := make(chan struct{})
	fake.OnExecute = func(q string) {
		if q == "HOLD" {
			close(started)
			<-unblock
		}
	}
	db, _ := setupTestDB(t, fake, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := db.Query(context.Background(), "HOLD")
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := db.Execute(ctx, "MATCH (n) RETURN n")
	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fake.Counters().Executes)
	assertBalanced(t, fake)
}

func TestExecute_ContextExecutorCancelled(t *testing.T) {
	fake := nativetest.New()
	db, _ := setupTestDB(t, fake, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Execute(ctx, "MATCH (n) RETURN n")
	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.Counters().Executes)
}

func TestDB_CloseWaitsForInFlight(t *testing.T) {
	fake := nativetest.New()
	started := make(chan struct{})
	unblock := make(chan struct{})
	fake.OnExecute = func(string) {
		close(started)
		<-unblock
	}
	db, _ := setupTestDB(t, fake, Options{})

	queryDone := make(chan error, 1)
	go func() {
		_, err := db.Query(context.Background(), "MATCH (n) RETURN n")
		queryDone <- err
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- db.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a query was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-queryDone)
	require.NoError(t, <-closeDone)
	assertBalanced(t, fake)
	assert.Zero(t, fake.OpenHandles())
}

// =============================================================================
// Resource tracking
// =============================================================================

func TestTrackResources_LedgerBalanced(t *testing.T) {
	fake := nativetest.New()
	db, leaks := setupTestDB(t, fake, Options{TrackResources: true})
	ledger := db.m.Ledger()
	require.NotNil(t, ledger)

	for i := 0; i < 100; i++ {
		_, err := db.Query(context.Background(), "MATCH (n) RETURN n")
		require.NoError(t, err)
		require.True(t, ledger.Counts().Balanced(), "step %d", i)
	}
	assert.NoError(t, ledger.Check())
	assert.Zero(t, leaks.count())
}

func TestTrackResources_DroppedResultReported(t *testing.T) {
	fake := nativetest.New()
	db, leaks := setupTestDB(t, fake, Options{TrackResources: true})

	func() {
		_, err := db.Execute(context.Background(), "MATCH (n) RETURN n")
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return leaks.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assertBalanced(t, fake)
	assert.Equal(t, int64(1), db.Stats().Leaks)
	assert.Zero(t, db.Stats().LiveResults)
}

func TestConcurrentReads_NoCorruption(t *testing.T) {
	fake := nativetest.New()
	fake.Concurrent = true
	fake.RespondDefault(nativetest.Response{JSON: nativetest.Graph([]string{"a", "b", "c"}, "a->b", "b->c")})
	db, _ := setupTestDB(t, fake, Options{Policy: PolicySharedRead, TrackResources: true})

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				graph, err := db.Query(context.Background(), "MATCH (a)-[r]->(b) RETURN a, r, b")
				if err != nil {
					return err
				}
				if len(graph.Nodes) != 3 || len(graph.Links) != 2 {
					t.Errorf("unexpected graph: %d nodes, %d links", len(graph.Nodes), len(graph.Links))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assertBalanced(t, fake)
	assert.NoError(t, db.m.Ledger().Check())
}
