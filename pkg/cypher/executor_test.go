package cypher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gqlite/pkg/storage"
)

func setupTestExecutor(t *testing.T) (*StorageExecutor, storage.Engine) {
	t.Helper()
	store, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewStorageExecutor(store), store
}

// seedFamily loads the sample graph used by the original demo program.
func seedFamily(t *testing.T, exec *StorageExecutor) {
	t.Helper()
	ctx := context.Background()
	for _, q := range []string{
		`CREATE (m:Person {id: 'Mark'})-[:FRIEND]->(a:Person {id: 'Alex'})`,
		`CREATE (m:Person {id: 'Mark'})-[:UNCLE]->(f:Person {id: 'Felipe'})`,
		`CREATE (f:Person {id: 'Felipe'})-[:COUSIN]->(a:Person {id: 'Alex'})`,
		`CREATE (f:Person {id: 'Felipe'})-[:CONTACT_INFO]->(e:Email {id: 'research@felipebonetto.com'})`,
	} {
		_, err := exec.Execute(ctx, q)
		require.NoError(t, err, q)
	}
}

func execute(t *testing.T, exec *StorageExecutor, query string) *ExecuteResult {
	t.Helper()
	res, err := exec.Execute(context.Background(), query)
	require.NoError(t, err, query)
	return res
}

func columnValues(res *ExecuteResult, col int) []any {
	var out []any
	for _, r := range res.Rows {
		out = append(out, r[col])
	}
	return out
}

// ============================================================================
// CREATE
// ============================================================================

func TestExecute_CreateIsIdempotentForSamePath(t *testing.T) {
	exec, store := setupTestExecutor(t)

	res := execute(t, exec, `CREATE (m:Person {id: 'Mark'})-[:FRIEND]->(a:Person {id: 'Alex'})`)
	assert.Equal(t, 2, res.Stats.NodesCreated)
	assert.Equal(t, 1, res.Stats.RelationshipsCreated)
	assert.Len(t, res.Nodes, 2)
	assert.Len(t, res.Edges, 1)

	res = execute(t, exec, `CREATE (m:Person {id: 'Mark'})-[:FRIEND]->(a:Person {id: 'Alex'})`)
	assert.Equal(t, 0, res.Stats.NodesCreated)
	assert.Equal(t, 0, res.Stats.RelationshipsCreated)

	count, err := store.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExecute_CreateMergesExistingNode(t *testing.T) {
	exec, store := setupTestExecutor(t)

	execute(t, exec, `CREATE (n:Person {id: 'Mark', age: 41})`)
	execute(t, exec, `CREATE (n:Admin {id: 'Mark', city: 'SP'})`)

	node, err := store.GetNode("Mark")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Person", "Admin"}, node.Labels)
	assert.EqualValues(t, 41, node.Properties["age"])
	assert.Equal(t, "SP", node.Properties["city"])
	assert.NotContains(t, node.Properties, "id")
}

func TestExecute_CreateGeneratesIDs(t *testing.T) {
	exec, _ := setupTestExecutor(t)

	res := execute(t, exec, `CREATE (a:Thing {name: 'x'}), (b:Thing {name: 'y'})`)
	require.Len(t, res.Nodes, 2)
	assert.NotEqual(t, res.Nodes[0].ID, res.Nodes[1].ID)
	assert.Len(t, string(res.Nodes[0].ID), 36)
}

func TestExecute_MatchCreate(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a {id: 'Alex'}), (e:Email) CREATE (a)-[:CONTACT_INFO]->(e)`)
	assert.Equal(t, 1, res.Stats.RelationshipsCreated)
	assert.Equal(t, 0, res.Stats.NodesCreated)

	res = execute(t, exec, `MATCH (p)-[:CONTACT_INFO]->(e:Email) RETURN p.id`)
	assert.ElementsMatch(t, []any{"Alex", "Felipe"}, columnValues(res, 0))
}

// ============================================================================
// MATCH / RETURN
// ============================================================================

func TestExecute_MatchLimit(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (n) RETURN n LIMIT 1`)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Len(t, res.Rows, 1)
	assert.Len(t, res.Nodes, 1)
	assert.Empty(t, res.Edges)
}

func TestExecute_MatchEmptyStore(t *testing.T) {
	exec, _ := setupTestExecutor(t)

	res := execute(t, exec, `MATCH (n) RETURN n`)
	assert.Empty(t, res.Rows)
	assert.Empty(t, res.Nodes)
	assert.NotNil(t, res.Nodes)
}

func TestExecute_MatchRelationshipWhere(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a)-[r]->(b) WHERE a.id = 'Mark' RETURN b.id, r.type`)
	assert.Equal(t, []string{"b.id", "r.type"}, res.Columns)
	assert.Equal(t, [][]any{{"Alex", "FRIEND"}, {"Felipe", "UNCLE"}}, res.Rows)
	assert.Len(t, res.Nodes, 3)
	assert.Len(t, res.Edges, 2)

	res = execute(t, exec, `MATCH (a)-[r]->(b) WHERE r.type = 'COUSIN' RETURN a.id, b.id`)
	assert.Equal(t, [][]any{{"Felipe", "Alex"}}, res.Rows)

	res = execute(t, exec, `MATCH (n) WHERE n.label = 'Email' RETURN n.id`)
	assert.Equal(t, [][]any{{"research@felipebonetto.com"}}, res.Rows)
}

func TestExecute_IncomingAndUndirected(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a {id: 'Alex'})<-[]-(b) RETURN b.id`)
	assert.ElementsMatch(t, []any{"Mark", "Felipe"}, columnValues(res, 0))

	res = execute(t, exec, `MATCH (a {id: 'Felipe'})-[:COUSIN|UNCLE]-(b) RETURN b.id`)
	assert.ElementsMatch(t, []any{"Alex", "Mark"}, columnValues(res, 0))
}

func TestExecute_VariableLength(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a {id: 'Mark'})-[*2..2]->(b) RETURN DISTINCT b.id`)
	assert.ElementsMatch(t, []any{"Alex", "research@felipebonetto.com"}, columnValues(res, 0))

	res = execute(t, exec, `MATCH p = (a {id: 'Mark'})-[r*]->(b:Email) RETURN p, r`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []any{"Mark", "Felipe", "research@felipebonetto.com"}, res.Rows[0][0])
	assert.Equal(t, []any{"UNCLE", "CONTACT_INFO"}, res.Rows[0][1])
	assert.Len(t, res.Nodes, 3)
	assert.Len(t, res.Edges, 2)
}

func TestExecute_ShortestPath(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH p = shortestPath((a {id: 'Mark'})-[*]->(b {id: 'Alex'})) RETURN p`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []any{"Mark", "Alex"}, res.Rows[0][0])

	res = execute(t, exec, `MATCH p = shortestPath((a {id: 'Alex'})-[*]->(b {id: 'Mark'})) RETURN p`)
	assert.Empty(t, res.Rows)

	res = execute(t, exec, `MATCH p = shortestPath((a {id: 'Alex'})-[*]-(b {id: 'research@felipebonetto.com'})) RETURN p`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []any{"Alex", "Felipe", "research@felipebonetto.com"}, res.Rows[0][0])
}

func TestExecute_ReturnAll(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a {id: 'Felipe'})-[r:COUSIN]->(b) RETURN *`)
	assert.Equal(t, []string{"a", "r", "b"}, res.Columns)
	assert.Equal(t, [][]any{{"Felipe", "COUSIN", "Alex"}}, res.Rows)
}

func TestExecute_SkipLimitDistinct(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	res := execute(t, exec, `MATCH (a)-[]->(b) RETURN DISTINCT a.id`)
	assert.Equal(t, []any{"Felipe", "Mark"}, columnValues(res, 0))

	res = execute(t, exec, `MATCH (n) RETURN n.id SKIP 1 LIMIT 2`)
	assert.Len(t, res.Rows, 2)

	res = execute(t, exec, `MATCH (n) RETURN n.id SKIP 10`)
	assert.Empty(t, res.Rows)
}

// ============================================================================
// DELETE
// ============================================================================

func TestExecute_Delete(t *testing.T) {
	exec, store := setupTestExecutor(t)
	seedFamily(t, exec)

	_, err := exec.Execute(context.Background(), `MATCH (n {id: 'Felipe'}) DELETE n`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DETACH DELETE")

	res := execute(t, exec, `MATCH (a)-[r:FRIEND]->(b) DELETE r`)
	assert.Equal(t, 1, res.Stats.RelationshipsDeleted)

	res = execute(t, exec, `MATCH (n {id: 'Felipe'}) DETACH DELETE n`)
	assert.Equal(t, 1, res.Stats.NodesDeleted)
	assert.Equal(t, 3, res.Stats.RelationshipsDeleted)

	count, err := store.EdgeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

// ============================================================================
// Errors and cancellation
// ============================================================================

func TestExecute_SyntaxErrorIsReported(t *testing.T) {
	exec, _ := setupTestExecutor(t)

	_, err := exec.Execute(context.Background(), "MATCH (n RETURN n")
	var syn *SyntaxError
	require.ErrorAs(t, err, &syn)
	assert.Equal(t, 9, syn.Offset)

	_, err = exec.Execute(context.Background(), "   ")
	require.ErrorAs(t, err, &syn)
}

func TestExecute_Cancelled(t *testing.T) {
	exec, _ := setupTestExecutor(t)
	seedFamily(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, `MATCH (a)-[*]-(b) RETURN b`)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlan_Cached(t *testing.T) {
	exec, _ := setupTestExecutor(t)

	q1, err := exec.Plan("MATCH (n) RETURN n")
	require.NoError(t, err)
	q2, err := exec.Plan("  MATCH (n) RETURN n  ")
	require.NoError(t, err)
	assert.Same(t, q1, q2)
}
