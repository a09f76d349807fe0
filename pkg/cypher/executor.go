package cypher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/gqlite/pkg/cache"
	"github.com/orneryd/gqlite/pkg/storage"
)

// StorageExecutor runs parsed queries against a storage engine. It is safe
// for concurrent use when the engine is.
type StorageExecutor struct {
	storage storage.Engine
	plans   *cache.QueryCache // parsed *Query by query text
}

// NewStorageExecutor creates an executor with a plan cache of 500 entries.
func NewStorageExecutor(store storage.Engine) *StorageExecutor {
	return &StorageExecutor{
		storage: store,
		plans:   cache.NewQueryCache(500, 10*time.Minute),
	}
}

// Plan parses query, reusing a cached plan for identical text.
func (e *StorageExecutor) Plan(query string) (*Query, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &SyntaxError{Msg: "empty query"}
	}
	key := e.plans.Key(query)
	if cached, ok := e.plans.Get(key); ok {
		return cached.(*Query), nil
	}
	q, err := Parse(query)
	if err != nil {
		return nil, err
	}
	e.plans.Put(key, q)
	return q, nil
}

// Execute parses and runs query. ctx is checked between traversal steps.
func (e *StorageExecutor) Execute(ctx context.Context, query string) (*ExecuteResult, error) {
	q, err := e.Plan(query)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, q)
}

// Run executes an already parsed query.
func (e *StorageExecutor) Run(ctx context.Context, q *Query) (*ExecuteResult, error) {
	rows := []row{{}}
	for _, pp := range q.Match {
		var err error
		if rows, err = e.matchPattern(ctx, rows, pp); err != nil {
			return nil, err
		}
	}
	if len(q.Where) > 0 {
		rows = filterRows(rows, q.Where)
	}

	switch {
	case q.Return != nil:
		return e.project(rows, q)
	case q.Delete != nil:
		return e.delete(ctx, rows, q.Delete)
	default:
		return e.create(ctx, rows, q.Create)
	}
}

func filterRows(rows []row, conds []*Condition) []row {
	kept := rows[:0]
	for _, r := range rows {
		ok := true
		for _, c := range conds {
			if !compareValues(bindingProperty(r[c.Variable], c.Property), c.Op, c.Value) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept
}

func bindingProperty(v any, key string) any {
	switch x := v.(type) {
	case *storage.Node:
		return nodeProperty(x, key)
	case *storage.Edge:
		return edgeProperty(x, key)
	}
	return nil
}

// ============================================================================
// RETURN
// ============================================================================

func (e *StorageExecutor) project(rows []row, q *Query) (*ExecuteResult, error) {
	rc := q.Return
	items := rc.Items
	if rc.All {
		for _, name := range patternVariables(q.Match) {
			items = append(items, &ReturnItem{Variable: name})
		}
	}

	result := &ExecuteResult{Columns: make([]string, len(items)), Rows: [][]any{}}
	for i, item := range items {
		result.Columns[i] = item.Column()
	}

	var kept []row
	seen := make(map[string]bool)
	for _, r := range rows {
		cells := make([]any, len(items))
		for i, item := range items {
			cells[i] = cellValue(r[item.Variable], item.Property)
		}
		if rc.Distinct {
			key, err := json.Marshal(cells)
			if err != nil {
				return nil, fmt.Errorf("distinct key: %w", err)
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
		}
		result.Rows = append(result.Rows, cells)
		kept = append(kept, r)
	}

	start := min(rc.Skip, len(result.Rows))
	end := len(result.Rows)
	if rc.Limit >= 0 && start+rc.Limit < end {
		end = start + rc.Limit
	}
	result.Rows = result.Rows[start:end]
	kept = kept[start:end]

	g := newGraphCollector(e.storage)
	for _, r := range kept {
		for _, item := range items {
			g.addBinding(r[item.Variable])
		}
	}
	result.Nodes, result.Edges = g.nodes, g.edges
	return result, nil
}

// cellValue renders a binding for the tabular rows: nodes as their id,
// relationships as their type, paths as the list of node ids.
func cellValue(v any, property string) any {
	if property != "" {
		return bindingProperty(v, property)
	}
	switch x := v.(type) {
	case *storage.Node:
		return string(x.ID)
	case *storage.Edge:
		return x.Type
	case []*storage.Edge:
		types := make([]any, len(x))
		for i, edge := range x {
			types[i] = edge.Type
		}
		return types
	case PathResult:
		ids := make([]any, len(x.Nodes))
		for i, node := range x.Nodes {
			ids[i] = string(node.ID)
		}
		return ids
	}
	return nil
}

func patternVariables(patterns []*PathPattern) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, pp := range patterns {
		add(pp.Variable)
		for i, n := range pp.Nodes {
			add(n.Variable)
			if i < len(pp.Rels) {
				add(pp.Rels[i].Variable)
			}
		}
	}
	return names
}

// graphCollector accumulates unique nodes and edges in first-seen order. An
// edge always brings its endpoints along.
type graphCollector struct {
	store    storage.Engine
	nodes    []*storage.Node
	edges    []*storage.Edge
	nodeSeen map[storage.NodeID]bool
	edgeSeen map[storage.EdgeID]bool
}

func newGraphCollector(store storage.Engine) *graphCollector {
	return &graphCollector{
		store:    store,
		nodes:    []*storage.Node{},
		edges:    []*storage.Edge{},
		nodeSeen: make(map[storage.NodeID]bool),
		edgeSeen: make(map[storage.EdgeID]bool),
	}
}

func (g *graphCollector) addNode(n *storage.Node) {
	if n == nil || g.nodeSeen[n.ID] {
		return
	}
	g.nodeSeen[n.ID] = true
	g.nodes = append(g.nodes, n)
}

func (g *graphCollector) addNodeID(id storage.NodeID) {
	if g.nodeSeen[id] {
		return
	}
	if n, err := g.store.GetNode(id); err == nil {
		g.addNode(n)
	}
}

func (g *graphCollector) addEdge(edge *storage.Edge) {
	if edge == nil || g.edgeSeen[edge.ID] {
		return
	}
	g.addNodeID(edge.StartNode)
	g.addNodeID(edge.EndNode)
	if !g.nodeSeen[edge.StartNode] || !g.nodeSeen[edge.EndNode] {
		return // endpoint vanished
	}
	g.edgeSeen[edge.ID] = true
	g.edges = append(g.edges, edge)
}

func (g *graphCollector) addBinding(v any) {
	switch x := v.(type) {
	case *storage.Node:
		g.addNode(x)
	case *storage.Edge:
		g.addEdge(x)
	case []*storage.Edge:
		for _, edge := range x {
			g.addEdge(edge)
		}
	case PathResult:
		for _, node := range x.Nodes {
			g.addNode(node)
		}
		for _, edge := range x.Relationships {
			g.addEdge(edge)
		}
	}
}

// ============================================================================
// DELETE
// ============================================================================

func (e *StorageExecutor) delete(ctx context.Context, rows []row, dc *DeleteClause) (*ExecuteResult, error) {
	var (
		nodes    []*storage.Node
		edges    []*storage.Edge
		nodeSeen = make(map[storage.NodeID]bool)
		edgeSeen = make(map[storage.EdgeID]bool)
	)
	addEdge := func(edge *storage.Edge) {
		if !edgeSeen[edge.ID] {
			edgeSeen[edge.ID] = true
			edges = append(edges, edge)
		}
	}
	for _, r := range rows {
		for _, name := range dc.Variables {
			switch x := r[name].(type) {
			case *storage.Node:
				if !nodeSeen[x.ID] {
					nodeSeen[x.ID] = true
					nodes = append(nodes, x)
				}
			case *storage.Edge:
				addEdge(x)
			case []*storage.Edge:
				for _, edge := range x {
					addEdge(edge)
				}
			case PathResult:
				for _, edge := range x.Relationships {
					addEdge(edge)
				}
				for _, node := range x.Nodes {
					if !nodeSeen[node.ID] {
						nodeSeen[node.ID] = true
						nodes = append(nodes, node)
					}
				}
			}
		}
	}

	result := &ExecuteResult{Columns: []string{}, Rows: [][]any{}, Nodes: []*storage.Node{}, Edges: []*storage.Edge{}}

	for _, edge := range edges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := e.storage.DeleteEdge(edge.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			result.Stats.RelationshipsDeleted++
		}
	}

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attached, err := e.attachedEdges(node.ID)
		if err != nil {
			return nil, err
		}
		if len(attached) > 0 && !dc.Detach {
			return nil, fmt.Errorf("cannot delete node `%s` because it still has %d relationship(s); use DETACH DELETE", node.ID, len(attached))
		}
		err = e.storage.DeleteNode(node.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Stats.NodesDeleted++
		result.Stats.RelationshipsDeleted += len(attached)
	}
	return result, nil
}

func (e *StorageExecutor) attachedEdges(id storage.NodeID) ([]*storage.Edge, error) {
	out, err := e.storage.GetOutgoingEdges(id)
	if err != nil {
		return nil, err
	}
	in, err := e.storage.GetIncomingEdges(id)
	if err != nil {
		return nil, err
	}
	for _, edge := range in {
		if edge.StartNode != edge.EndNode {
			out = append(out, edge)
		}
	}
	return out, nil
}

// ============================================================================
// CREATE
// ============================================================================

// create runs the CREATE patterns once per matched row. Node ids come from
// the id property or are generated; an existing node with the same id has
// the pattern's labels and properties merged into it.
func (e *StorageExecutor) create(ctx context.Context, rows []row, patterns []*PathPattern) (*ExecuteResult, error) {
	result := &ExecuteResult{Columns: []string{}, Rows: [][]any{}}
	g := newGraphCollector(e.storage)

	for _, r := range rows {
		cur := r.clone()
		for _, pp := range patterns {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			nodes := make([]*storage.Node, len(pp.Nodes))
			for i, np := range pp.Nodes {
				node, err := e.createNode(cur, np, &result.Stats)
				if err != nil {
					return nil, err
				}
				nodes[i] = node
				if np.Variable != "" {
					cur[np.Variable] = node
				}
				g.addNode(node)
			}

			for i, rp := range pp.Rels {
				from, to := nodes[i], nodes[i+1]
				if rp.Direction == DirectionIncoming {
					from, to = to, from
				}
				edge := storage.NewEdge(from.ID, rp.Types[0], to.ID, cloneProps(rp.Properties))
				err := e.storage.CreateEdge(edge)
				switch {
				case err == nil:
					result.Stats.RelationshipsCreated++
				case errors.Is(err, storage.ErrAlreadyExists):
					if existing, getErr := e.storage.GetEdge(edge.ID); getErr == nil {
						edge = existing
					}
				default:
					return nil, fmt.Errorf("create relationship %s: %w", edge.ID, err)
				}
				if rp.Variable != "" {
					cur[rp.Variable] = edge
				}
				g.addEdge(edge)
			}
		}
	}

	result.Nodes, result.Edges = g.nodes, g.edges
	return result, nil
}

func (e *StorageExecutor) createNode(cur row, np *NodePattern, stats *QueryStats) (*storage.Node, error) {
	if np.Variable != "" {
		if bound, ok := cur[np.Variable].(*storage.Node); ok {
			if len(np.Labels) > 0 || len(np.Properties) > 0 {
				return nil, fmt.Errorf("variable `%s` already declared", np.Variable)
			}
			return bound, nil
		}
	}

	props := cloneProps(np.Properties)
	var id storage.NodeID
	if raw, ok := props["id"]; ok {
		var err error
		if id, err = nodeIDFromLiteral(raw); err != nil {
			return nil, err
		}
		delete(props, "id")
	} else {
		id = storage.NodeID(uuid.NewString())
	}

	node := &storage.Node{ID: id, Labels: append([]string{}, np.Labels...), Properties: props}
	existing, err := e.storage.GetNode(id)
	switch {
	case err == nil:
		node.Labels = mergeLabels(existing.Labels, node.Labels)
		merged := cloneProps(existing.Properties)
		for k, v := range props {
			merged[k] = v
		}
		node.Properties = merged
	case errors.Is(err, storage.ErrNotFound):
		stats.NodesCreated++
	default:
		return nil, err
	}

	if err := e.storage.PutNode(node); err != nil {
		return nil, fmt.Errorf("create node %s: %w", id, err)
	}
	return node, nil
}

func mergeLabels(existing, added []string) []string {
	out := append([]string{}, existing...)
	for _, label := range added {
		found := false
		for _, l := range out {
			if strings.EqualFold(l, label) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, label)
		}
	}
	return out
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
