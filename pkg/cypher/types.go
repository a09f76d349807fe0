// Package cypher parses and executes the Cypher subset understood by the
// embedded gqlite engine.
//
// Supported statements:
//
//	CREATE (a:Person {id: 'Mark'})-[:FRIEND]->(b:Person {id: 'Alex'})
//	MATCH (a {id: 'Mark'})-[:FRIEND*1..3]->(b) WHERE b.label = 'Person' RETURN b.id LIMIT 10
//	MATCH p = shortestPath((a {id: 'Mark'})-[*]-(b {id: 'Alex'})) RETURN p
//	MATCH (a {id: 'Mark'}), (b {id: 'Alex'}) CREATE (a)-[:KNOWS]->(b)
//	MATCH (n:Person) WHERE n.id = 'Mark' DETACH DELETE n
//
// The built-in properties id and label (nodes) and type (relationships) are
// available in WHERE and RETURN alongside stored properties.
package cypher

import (
	"github.com/orneryd/gqlite/pkg/storage"
)

// ExecuteResult holds the tabular rows of a query plus every graph element
// those rows reference, in first-seen order.
type ExecuteResult struct {
	Columns []string
	Rows    [][]any
	Nodes   []*storage.Node
	Edges   []*storage.Edge
	Stats   QueryStats
}

// QueryStats holds query execution statistics.
type QueryStats struct {
	NodesCreated         int `json:"nodes_created"`
	NodesDeleted         int `json:"nodes_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsDeleted int `json:"relationships_deleted"`
}

// PathResult represents a path through the graph.
type PathResult struct {
	Nodes         []*storage.Node
	Relationships []*storage.Edge
}

// Length is the number of relationships in the path.
func (p PathResult) Length() int { return len(p.Relationships) }

// Last returns the final node of the path.
func (p PathResult) Last() *storage.Node { return p.Nodes[len(p.Nodes)-1] }

// row binds pattern variables to *storage.Node, *storage.Edge,
// []*storage.Edge (variable-length relationships) or PathResult.
type row map[string]any

func (r row) clone() row {
	out := make(row, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}
