package cypher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CreatePath(t *testing.T) {
	q, err := Parse(`CREATE (a:Person {id: 'Mark', age: 41})-[:FRIEND {since: 2010}]->(b:Person {id: 'Alex'})`)
	require.NoError(t, err)

	require.Len(t, q.Create, 1)
	pp := q.Create[0]
	require.Len(t, pp.Nodes, 2)
	require.Len(t, pp.Rels, 1)

	assert.Equal(t, "a", pp.Nodes[0].Variable)
	assert.Equal(t, []string{"Person"}, pp.Nodes[0].Labels)
	assert.Equal(t, "Mark", pp.Nodes[0].Properties["id"])
	assert.Equal(t, int64(41), pp.Nodes[0].Properties["age"])
	assert.Equal(t, []string{"FRIEND"}, pp.Rels[0].Types)
	assert.Equal(t, DirectionOutgoing, pp.Rels[0].Direction)
	assert.Equal(t, int64(2010), pp.Rels[0].Properties["since"])
	assert.False(t, q.ReadOnly())
}

func TestParse_MatchWhereReturn(t *testing.T) {
	q, err := Parse(`match (a)-[r:FRIEND|:COUSIN]-(b) where a.id = "Mark" and b.age >= -3.5 return distinct b.id as friend, r skip 1 limit 2;`)
	require.NoError(t, err)

	require.Len(t, q.Match, 1)
	rel := q.Match[0].Rels[0]
	assert.Equal(t, []string{"FRIEND", "COUSIN"}, rel.Types)
	assert.Equal(t, DirectionBoth, rel.Direction)

	require.Len(t, q.Where, 2)
	assert.Equal(t, "=", q.Where[0].Op)
	assert.Equal(t, ">=", q.Where[1].Op)
	assert.Equal(t, -3.5, q.Where[1].Value)

	require.NotNil(t, q.Return)
	assert.True(t, q.Return.Distinct)
	assert.Equal(t, 1, q.Return.Skip)
	assert.Equal(t, 2, q.Return.Limit)
	assert.Equal(t, "friend", q.Return.Items[0].Column())
	assert.Equal(t, "r", q.Return.Items[1].Column())
	assert.True(t, q.ReadOnly())
}

func TestParse_VariableLength(t *testing.T) {
	tests := []struct {
		pattern  string
		min, max int
	}{
		{"-[*]->", 1, maxVarLengthHops},
		{"-[*3]->", 3, 3},
		{"-[*2..]->", 2, maxVarLengthHops},
		{"-[*..4]->", 1, 4},
		{"-[*0..2]->", 0, 2},
		{"-[*1..99]->", 1, maxVarLengthHops},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			q, err := Parse("MATCH (a)" + tt.pattern + "(b) RETURN b")
			require.NoError(t, err)
			rel := q.Match[0].Rels[0]
			assert.True(t, rel.VarLength)
			assert.Equal(t, tt.min, rel.MinHops)
			assert.Equal(t, tt.max, rel.MaxHops)
		})
	}
}

func TestParse_IncomingAndPathVariable(t *testing.T) {
	q, err := Parse(`MATCH p = (a)<-[:UNCLE]-(b) RETURN p`)
	require.NoError(t, err)
	assert.Equal(t, "p", q.Match[0].Variable)
	assert.Equal(t, DirectionIncoming, q.Match[0].Rels[0].Direction)

	q, err = Parse(`MATCH p = shortestPath((a {id: 'Mark'})-[*]-(b {id: 'Alex'})) RETURN p`)
	require.NoError(t, err)
	assert.True(t, q.Match[0].ShortestPath)
}

func TestParse_NestedLiterals(t *testing.T) {
	q, err := Parse(`CREATE (n {id: 1, tags: ['a', 'b'], meta: {deep: {x: true}}, none: null})`)
	require.NoError(t, err)
	props := q.Create[0].Nodes[0].Properties
	assert.Equal(t, int64(1), props["id"])
	assert.Equal(t, []any{"a", "b"}, props["tags"])
	assert.Equal(t, map[string]any{"deep": map[string]any{"x": true}}, props["meta"])
	assert.Contains(t, props, "none")
	assert.Nil(t, props["none"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"garbage", "THIS IS NOT CYPHER", "expected MATCH or CREATE"},
		{"unclosed node", "MATCH (n RETURN n", `expected ")"`},
		{"missing clause", "MATCH (n)", "expected RETURN, DELETE or CREATE"},
		{"undefined variable", "MATCH (n) RETURN m", "variable `m` not defined"},
		{"undefined in where", "MATCH (n) WHERE x.id = 'a' RETURN n", "variable `x` not defined"},
		{"both directions", "MATCH (a)<-[r]->(b) RETURN a", "both ways"},
		{"untyped create", "CREATE (a)-[]->(b)", "exactly one type"},
		{"undirected create", "CREATE (a)-[:R]-(b)", "must have a direction"},
		{"unterminated string", "MATCH (n {id: 'abc}) RETURN n", "unterminated string"},
		{"trailing tokens", "MATCH (n) RETURN n n", "unexpected"},
		{"bad hop range", "MATCH (a)-[*3..1]->(b) RETURN a", "invalid hop range"},
		{"kind clash", "MATCH (a)-[a]->(b) RETURN a", "already declared"},
		{"path property", "MATCH p = (a)-->(b) RETURN p.id", "has no properties"},
		{"bad char", "MATCH (n) RETURN n ^", "unexpected character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			var syn *SyntaxError
			require.ErrorAs(t, err, &syn)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "syntax error at offset")
		})
	}
}
