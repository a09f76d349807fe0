package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gqlite/pkg/native"
)

type decoded struct {
	Nodes []struct {
		ID         string         `json:"id"`
		Labels     []string       `json:"labels"`
		Properties map[string]any `json:"properties"`
	} `json:"nodes"`
	Links []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Type   string `json:"type"`
	} `json:"links"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func setupTestLibrary(t *testing.T) (*Library, native.Handle) {
	t.Helper()
	lib := NewLibrary(nil)
	h := lib.Open(MemoryPath)
	require.NotZero(t, h, lib.LastError(0))
	t.Cleanup(func() { lib.Close(h) })
	return lib, h
}

// run executes query and returns its decoded JSON, releasing everything.
func run(t *testing.T, lib *Library, h native.Handle, query string) decoded {
	t.Helper()
	r := lib.Execute(h, query)
	require.NotZero(t, r, lib.LastError(h))
	defer lib.ReleaseResult(r)

	b := lib.ResultToJSON(r)
	require.NotZero(t, b)
	defer lib.ReleaseJSON(b)

	var out decoded
	require.NoError(t, json.Unmarshal(lib.AppendBytes(nil, b), &out))
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestLibrary_OpenMemory(t *testing.T) {
	lib, h := setupTestLibrary(t)
	handles, results, buffers := lib.Live()
	assert.Equal(t, 1, handles)
	assert.Zero(t, results)
	assert.Zero(t, buffers)

	nodes, edges, err := lib.StoreStats(h)
	require.NoError(t, err)
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestLibrary_OpenDirectoryPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "graph")
	lib := NewLibrary(nil)

	h := lib.Open(dir)
	require.NotZero(t, h, lib.LastError(0))
	run(t, lib, h, "CREATE (a:Person {id: 'Mark'})-[:FRIEND]->(b:Person {id: 'Alex'})")
	lib.Close(h)

	h = lib.Open(dir)
	require.NotZero(t, h, lib.LastError(0))
	defer lib.Close(h)
	out := run(t, lib, h, "MATCH (a)-[r:FRIEND]->(b) RETURN a, r, b")
	require.Len(t, out.Links, 1)
	assert.Equal(t, "Mark", out.Links[0].Source)
	assert.Equal(t, "Alex", out.Links[0].Target)
}

func TestLibrary_OpenFailures(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("not a store"), 0o644))

	lib := NewLibrary(nil)
	for _, path := range []string{"", file} {
		assert.Zero(t, lib.Open(path), "path %q", path)
		assert.NotEmpty(t, lib.LastError(0), "path %q", path)
	}
	handles, _, _ := lib.Live()
	assert.Zero(t, handles)
}

func TestLibrary_ClosedHandle(t *testing.T) {
	lib := NewLibrary(nil)
	h := lib.Open(MemoryPath)
	lib.Close(h)
	lib.Close(h)

	assert.Zero(t, lib.Execute(h, "MATCH (n) RETURN n"))
	_, _, err := lib.StoreStats(h)
	assert.Error(t, err)
}

// =============================================================================
// Queries
// =============================================================================

func TestLibrary_FreshStoreLimitOne(t *testing.T) {
	lib, h := setupTestLibrary(t)
	run(t, lib, h, "CREATE (a:Person {id: 'Mark'})-[:FRIEND]->(b:Person {id: 'Alex'})")

	out := run(t, lib, h, "MATCH (n) RETURN n LIMIT 1")
	assert.Len(t, out.Nodes, 1)
	assert.Empty(t, out.Links)
	assert.Equal(t, []string{"n"}, out.Columns)
	assert.Len(t, out.Rows, 1)
}

func TestLibrary_EncodesShape(t *testing.T) {
	lib, h := setupTestLibrary(t)
	run(t, lib, h, "CREATE (f:Person {id: 'Felipe', age: 30})-[:CONTACT_INFO]->(e:Email {id: 'research@felipebonetto.com'})")

	out := run(t, lib, h, "MATCH (p:Person)-[r]->(e) RETURN p, r, e")
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "Felipe", out.Nodes[0].ID)
	assert.Equal(t, []string{"Person"}, out.Nodes[0].Labels)
	assert.Equal(t, float64(30), out.Nodes[0].Properties["age"])
	assert.NotNil(t, out.Nodes[1].Properties, "empty properties encode as {}")

	require.Len(t, out.Links, 1)
	assert.Equal(t, "CONTACT_INFO", out.Links[0].Type)
}

func TestLibrary_EmptyResultArrays(t *testing.T) {
	lib, h := setupTestLibrary(t)
	r := lib.Execute(h, "MATCH (n:Nothing) RETURN n")
	require.NotZero(t, r)
	defer lib.ReleaseResult(r)
	b := lib.ResultToJSON(r)
	defer lib.ReleaseJSON(b)

	assert.JSONEq(t, `{"nodes":[],"links":[],"columns":["n"],"rows":[]}`, string(lib.AppendBytes(nil, b)))
}

func TestLibrary_SyntaxErrorDiagnostics(t *testing.T) {
	lib, h := setupTestLibrary(t)

	assert.Zero(t, lib.Execute(h, "MATCH (n RETURN n"))
	assert.Contains(t, lib.LastError(h), "syntax error at offset")

	// The handle stays usable and a success clears the diagnostic.
	run(t, lib, h, "MATCH (n) RETURN n")
	assert.Empty(t, lib.LastError(h))
}

func TestLibrary_ExecuteContextCancelled(t *testing.T) {
	lib, h := setupTestLibrary(t)
	run(t, lib, h, "CREATE (a {id: 'a'})-[:NEXT]->(b {id: 'b'})")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, lib.ExecuteContext(ctx, h, "MATCH (a)-[*]->(b) RETURN b"))
	assert.Contains(t, lib.LastError(h), context.Canceled.Error())
}

// =============================================================================
// Resource arenas
// =============================================================================

func TestLibrary_ReleaseBalancesArenas(t *testing.T) {
	lib, h := setupTestLibrary(t)

	for i := 0; i < 100; i++ {
		r := lib.Execute(h, "MATCH (n) RETURN n")
		b := lib.ResultToJSON(r)
		_, results, buffers := lib.Live()
		assert.Equal(t, 1, results)
		assert.Equal(t, 1, buffers)
		lib.ReleaseJSON(b)
		lib.ReleaseResult(r)
	}
	_, results, buffers := lib.Live()
	assert.Zero(t, results)
	assert.Zero(t, buffers)

	// Unknown tokens are ignored.
	lib.ReleaseResult(12345)
	lib.ReleaseJSON(12345)
	assert.Zero(t, lib.ResultToJSON(12345))
	assert.Empty(t, lib.AppendBytes(nil, 12345))
}

func TestLibrary_BufferOutlivesResult(t *testing.T) {
	lib, h := setupTestLibrary(t)
	r := lib.Execute(h, "MATCH (n) RETURN n")
	b := lib.ResultToJSON(r)
	lib.ReleaseResult(r)

	assert.NotEmpty(t, lib.AppendBytes(nil, b))
	lib.ReleaseJSON(b)
}

func TestLibrary_Capabilities(t *testing.T) {
	assert.True(t, native.SupportsConcurrentReads(NewLibrary(nil)))
	assert.False(t, native.SupportsConcurrentReads(NewLibrary(&Options{})))
}
