package native_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gqlite/pkg/native"
	"github.com/orneryd/gqlite/pkg/native/nativetest"
)

func setupLedger(t *testing.T) (*native.Ledger, *nativetest.Library, native.Handle) {
	t.Helper()
	fake := nativetest.New()
	ledger := native.NewLedger(fake)
	h := ledger.Open("test.db")
	require.NotZero(t, h)
	return ledger, fake, h
}

// =============================================================================
// Accounting
// =============================================================================

func TestLedger_BalancedCycle(t *testing.T) {
	ledger, fake, h := setupLedger(t)

	r := ledger.Execute(h, "MATCH (n) RETURN n")
	require.NotZero(t, r)
	b := ledger.ResultToJSON(r)
	require.NotZero(t, b)

	data := ledger.AppendBytes(nil, b)
	assert.JSONEq(t, nativetest.EmptyGraph, string(data))

	ledger.ReleaseJSON(b)
	ledger.ReleaseResult(r)

	c := ledger.Counts()
	assert.True(t, c.Balanced())
	assert.Equal(t, int64(2), c.Acquired())
	assert.Equal(t, int64(2), c.Released())
	assert.NoError(t, ledger.Check())

	fc := fake.Counters()
	assert.Equal(t, 0, fc.LiveResults())
	assert.Equal(t, 0, fc.LiveBuffers())
}

func TestLedger_DoubleReleaseNotForwarded(t *testing.T) {
	ledger, fake, h := setupLedger(t)

	var seen []native.Violation
	ledger.OnViolation = func(v native.Violation) { seen = append(seen, v) }

	r := ledger.Execute(h, "q")
	ledger.ReleaseResult(r)
	ledger.ReleaseResult(r)

	assert.Equal(t, 0, fake.Counters().DoubleFrees, "engine must never see the second free")
	require.Len(t, seen, 1)
	assert.Equal(t, native.KindResult, seen[0].Kind)
	assert.ErrorIs(t, seen[0], native.ErrDoubleRelease)

	err := ledger.Check()
	require.Error(t, err)
	assert.ErrorIs(t, err, native.ErrDoubleRelease)
}

func TestLedger_Outstanding(t *testing.T) {
	ledger, _, h := setupLedger(t)

	r := ledger.Execute(h, "q")
	b := ledger.ResultToJSON(r)

	out := ledger.Outstanding()
	require.Len(t, out, 2)
	assert.Equal(t, native.KindResult, out[0].Kind)
	assert.Equal(t, native.KindBuffer, out[1].Kind)

	err := ledger.Check()
	assert.True(t, errors.Is(err, native.ErrLeak))

	ledger.ReleaseJSON(b)
	ledger.ReleaseResult(r)
	assert.NoError(t, ledger.Check())
}

func TestLedger_FailedCallsAcquireNothing(t *testing.T) {
	ledger, fake, h := setupLedger(t)
	fake.Respond("BAD", nativetest.Response{Err: "syntax error at offset 0: unexpected BAD"})
	fake.Respond("NULLJSON", nativetest.Response{NullJSON: true})

	assert.Zero(t, ledger.Execute(h, "BAD"))
	assert.Equal(t, "syntax error at offset 0: unexpected BAD", ledger.LastError(h))

	r := ledger.Execute(h, "NULLJSON")
	assert.Zero(t, ledger.ResultToJSON(r))
	ledger.ReleaseResult(r)

	c := ledger.Counts()
	assert.Equal(t, int64(1), c.ResultsAcquired)
	assert.Equal(t, int64(0), c.BuffersAcquired)
	assert.True(t, c.Balanced())
}

func TestLedger_ClosedHandle(t *testing.T) {
	ledger, fake, h := setupLedger(t)

	ledger.Close(h)
	ledger.Close(h)
	assert.Zero(t, ledger.Execute(h, "q"))
	assert.Zero(t, ledger.ExecuteContext(context.Background(), h, "q"))

	assert.Equal(t, 1, fake.Counters().Closes)
	assert.Equal(t, 0, fake.Counters().Misuse, "closed handles are stopped before the engine")
	assert.Len(t, ledger.Violations(), 3)
}

func TestLedger_UnknownObjects(t *testing.T) {
	ledger, _, _ := setupLedger(t)

	assert.Zero(t, ledger.ResultToJSON(native.Result(999)))
	assert.Nil(t, ledger.AppendBytes(nil, native.Buffer(999)))
	ledger.ReleaseJSON(native.Buffer(999))

	v := ledger.Violations()
	require.Len(t, v, 3)
	assert.ErrorIs(t, v[0], native.ErrUnknownObject)
	assert.ErrorIs(t, v[1], native.ErrUnknownObject)
	assert.ErrorIs(t, v[2], native.ErrDoubleRelease)
}

func TestLedger_ForwardsCapabilities(t *testing.T) {
	fake := nativetest.New()
	fake.Concurrent = true

	ledger := native.NewLedger(fake)
	assert.True(t, native.SupportsConcurrentReads(ledger))
	assert.Same(t, fake, ledger.Unwrap())

	bare := native.NewLedger(nativetest.Bare(fake))
	assert.False(t, native.SupportsConcurrentReads(bare))
	assert.Equal(t, "", bare.LastError(0))
}

func TestLedger_OpenFailure(t *testing.T) {
	fake := nativetest.New()
	fake.FailOpen("/bad", "permission denied")
	ledger := native.NewLedger(fake)

	assert.Zero(t, ledger.Open("/bad"))
	assert.Equal(t, "permission denied", native.LastError(ledger, 0))
	assert.Equal(t, int64(0), ledger.Counts().HandlesOpened)
}

// =============================================================================
// Capability helpers
// =============================================================================

func TestLastError_WithoutDiagnostics(t *testing.T) {
	lib := nativetest.Bare(nativetest.New())
	assert.Equal(t, "", native.LastError(lib, 0))
	assert.False(t, native.SupportsConcurrentReads(lib))
}

func TestCgoLibrary_Availability(t *testing.T) {
	lib, err := native.NewCgoLibrary()
	if !native.CgoAvailable {
		assert.Error(t, err)
		assert.Nil(t, lib)
		return
	}
	require.NoError(t, err)
	assert.NotNil(t, lib)
}
