package cypher

import (
	"context"
	"errors"

	"github.com/orneryd/gqlite/pkg/storage"
)

// segment is one expansion of a relationship pattern: the edges walked and
// the nodes reached, excluding the node the walk started from.
type segment struct {
	edges []*storage.Edge
	nodes []*storage.Node
}

func (s segment) end(from *storage.Node) *storage.Node {
	if len(s.nodes) == 0 {
		return from
	}
	return s.nodes[len(s.nodes)-1]
}

// matchPattern extends every input row with each binding of pp.
func (e *StorageExecutor) matchPattern(ctx context.Context, rows []row, pp *PathPattern) ([]row, error) {
	var out []row
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			matched []row
			err     error
		)
		if pp.ShortestPath {
			matched, err = e.matchShortest(ctx, r, pp)
		} else {
			matched, err = e.matchChain(ctx, r, pp)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, matched...)
	}
	return out, nil
}

func (e *StorageExecutor) matchChain(ctx context.Context, r row, pp *PathPattern) ([]row, error) {
	first := pp.Nodes[0]
	starts, err := e.candidates(r, first)
	if err != nil {
		return nil, err
	}

	var out []row
	for _, start := range starts {
		base := r.clone()
		if first.Variable != "" {
			base[first.Variable] = start
		}
		path := PathResult{Nodes: []*storage.Node{start}}
		if err := e.extend(ctx, base, pp, 0, start, path, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *StorageExecutor) extend(ctx context.Context, cur row, pp *PathPattern, hop int, from *storage.Node, path PathResult, out *[]row) error {
	if hop == len(pp.Rels) {
		final := cur
		if pp.Variable != "" {
			final = cur.clone()
			final[pp.Variable] = path
		}
		*out = append(*out, final)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rel := pp.Rels[hop]
	target := pp.Nodes[hop+1]
	segments, err := e.expand(ctx, from, rel)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		end := seg.end(from)
		if !nodeMatches(cur, target, end) || reusesEdge(path, seg.edges) {
			continue
		}
		if rel.Variable != "" {
			if bound, ok := cur[rel.Variable]; ok && !sameRelationship(bound, seg.edges) {
				continue
			}
		}

		next := cur.clone()
		if rel.Variable != "" {
			if rel.VarLength {
				next[rel.Variable] = seg.edges
			} else {
				next[rel.Variable] = seg.edges[0]
			}
		}
		if target.Variable != "" {
			next[target.Variable] = end
		}
		nextPath := PathResult{
			Nodes:         append(append([]*storage.Node{}, path.Nodes...), seg.nodes...),
			Relationships: append(append([]*storage.Edge{}, path.Relationships...), seg.edges...),
		}
		if err := e.extend(ctx, next, pp, hop+1, end, nextPath, out); err != nil {
			return err
		}
	}
	return nil
}

// expand walks rel from the given node. Fixed-length patterns take one hop;
// variable-length patterns run a depth-first search that never revisits a node.
func (e *StorageExecutor) expand(ctx context.Context, from *storage.Node, rel *RelationshipPattern) ([]segment, error) {
	if !rel.VarLength {
		var out []segment
		edges, err := e.adjacent(from.ID, rel)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			next, err := e.storage.GetNode(otherEnd(edge, from.ID, rel.Direction))
			if err != nil {
				continue
			}
			out = append(out, segment{edges: []*storage.Edge{edge}, nodes: []*storage.Node{next}})
		}
		return out, nil
	}

	var out []segment
	if rel.MinHops == 0 {
		out = append(out, segment{})
	}
	visited := map[storage.NodeID]bool{from.ID: true}
	err := e.findPaths(ctx, from, rel, visited, segment{}, &out)
	return out, err
}

func (e *StorageExecutor) findPaths(ctx context.Context, current *storage.Node, rel *RelationshipPattern, visited map[storage.NodeID]bool, walked segment, out *[]segment) error {
	depth := len(walked.edges)
	if depth >= rel.MaxHops {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	edges, err := e.adjacent(current.ID, rel)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		nextID := otherEnd(edge, current.ID, rel.Direction)
		if visited[nextID] {
			continue
		}
		next, err := e.storage.GetNode(nextID)
		if err != nil {
			continue
		}

		step := segment{
			edges: append(append([]*storage.Edge{}, walked.edges...), edge),
			nodes: append(append([]*storage.Node{}, walked.nodes...), next),
		}
		if depth+1 >= rel.MinHops {
			*out = append(*out, step)
		}

		visited[nextID] = true
		if err := e.findPaths(ctx, next, rel, visited, step, out); err != nil {
			return err
		}
		visited[nextID] = false
	}
	return nil
}

// adjacent returns the edges of nodeID that satisfy rel's direction, types
// and properties.
func (e *StorageExecutor) adjacent(nodeID storage.NodeID, rel *RelationshipPattern) ([]*storage.Edge, error) {
	var edges []*storage.Edge
	switch rel.Direction {
	case DirectionOutgoing:
		out, err := e.storage.GetOutgoingEdges(nodeID)
		if err != nil {
			return nil, err
		}
		edges = out
	case DirectionIncoming:
		in, err := e.storage.GetIncomingEdges(nodeID)
		if err != nil {
			return nil, err
		}
		edges = in
	default:
		out, err := e.storage.GetOutgoingEdges(nodeID)
		if err != nil {
			return nil, err
		}
		in, err := e.storage.GetIncomingEdges(nodeID)
		if err != nil {
			return nil, err
		}
		edges = out
		for _, edge := range in {
			if edge.StartNode != edge.EndNode { // self loops already came from out
				edges = append(edges, edge)
			}
		}
	}

	filtered := edges[:0]
	for _, edge := range edges {
		if relationshipMatches(rel, edge) {
			filtered = append(filtered, edge)
		}
	}
	return filtered, nil
}

func otherEnd(edge *storage.Edge, from storage.NodeID, dir Direction) storage.NodeID {
	switch dir {
	case DirectionOutgoing:
		return edge.EndNode
	case DirectionIncoming:
		return edge.StartNode
	}
	if edge.StartNode == from {
		return edge.EndNode
	}
	return edge.StartNode
}

func relationshipMatches(rel *RelationshipPattern, edge *storage.Edge) bool {
	if len(rel.Types) > 0 {
		found := false
		for _, t := range rel.Types {
			if edge.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range rel.Properties {
		if !valuesEqual(edgeProperty(edge, key), want) {
			return false
		}
	}
	return true
}

func reusesEdge(path PathResult, edges []*storage.Edge) bool {
	for _, used := range path.Relationships {
		for _, edge := range edges {
			if used.ID == edge.ID {
				return true
			}
		}
	}
	return false
}

func sameRelationship(bound any, edges []*storage.Edge) bool {
	switch v := bound.(type) {
	case *storage.Edge:
		return len(edges) == 1 && edges[0].ID == v.ID
	case []*storage.Edge:
		if len(v) != len(edges) {
			return false
		}
		for i := range v {
			if v[i].ID != edges[i].ID {
				return false
			}
		}
		return true
	}
	return false
}

// ============================================================================
// Node candidates
// ============================================================================

// candidates returns the nodes that may bind np, using the id lookup or the
// label index when the pattern allows it.
func (e *StorageExecutor) candidates(r row, np *NodePattern) ([]*storage.Node, error) {
	if np.Variable != "" {
		if bound, ok := r[np.Variable].(*storage.Node); ok {
			if nodeMatches(r, np, bound) {
				return []*storage.Node{bound}, nil
			}
			return nil, nil
		}
	}

	var (
		pool []*storage.Node
		err  error
	)
	if rawID, ok := np.Properties["id"]; ok {
		id, idErr := nodeIDFromLiteral(rawID)
		if idErr != nil {
			return nil, nil
		}
		node, getErr := e.storage.GetNode(id)
		if errors.Is(getErr, storage.ErrNotFound) {
			return nil, nil
		}
		if getErr != nil {
			return nil, getErr
		}
		pool = []*storage.Node{node}
	} else if len(np.Labels) > 0 {
		pool, err = e.storage.GetNodesByLabel(np.Labels[0])
	} else {
		pool, err = e.storage.AllNodes()
	}
	if err != nil {
		return nil, err
	}

	matched := pool[:0]
	for _, node := range pool {
		if nodeMatches(r, np, node) {
			matched = append(matched, node)
		}
	}
	return matched, nil
}

func nodeMatches(r row, np *NodePattern, node *storage.Node) bool {
	if np.Variable != "" {
		if bound, ok := r[np.Variable].(*storage.Node); ok && bound.ID != node.ID {
			return false
		}
	}
	for _, label := range np.Labels {
		if !node.HasLabel(label) {
			return false
		}
	}
	for key, want := range np.Properties {
		if key == "id" {
			id, err := nodeIDFromLiteral(want)
			if err != nil || id != node.ID {
				return false
			}
			continue
		}
		if !valuesEqual(nodeProperty(node, key), want) {
			return false
		}
	}
	return true
}

// ============================================================================
// Shortest path
// ============================================================================

func (e *StorageExecutor) matchShortest(ctx context.Context, r row, pp *PathPattern) ([]row, error) {
	startPattern, endPattern := pp.Nodes[0], pp.Nodes[1]
	rel := pp.Rels[0]

	starts, err := e.candidates(r, startPattern)
	if err != nil {
		return nil, err
	}
	ends, err := e.candidates(r, endPattern)
	if err != nil {
		return nil, err
	}

	var out []row
	for _, start := range starts {
		for _, end := range ends {
			if start.ID == end.ID {
				continue
			}
			path, err := e.shortestPath(ctx, start, end, rel)
			if err != nil {
				return nil, err
			}
			if path == nil || path.Length() < rel.MinHops {
				continue
			}
			next := r.clone()
			if startPattern.Variable != "" {
				next[startPattern.Variable] = start
			}
			if endPattern.Variable != "" {
				next[endPattern.Variable] = end
			}
			if rel.Variable != "" {
				if rel.VarLength {
					next[rel.Variable] = path.Relationships
				} else {
					next[rel.Variable] = path.Relationships[0]
				}
			}
			if pp.Variable != "" {
				next[pp.Variable] = *path
			}
			out = append(out, next)
		}
	}
	return out, nil
}

// shortestPath runs a breadth-first search from start to end bounded by
// rel.MaxHops. It returns nil when end is unreachable.
func (e *StorageExecutor) shortestPath(ctx context.Context, start, end *storage.Node, rel *RelationshipPattern) (*PathResult, error) {
	type queueItem struct {
		node *storage.Node
		path PathResult
	}

	queue := []queueItem{{node: start, path: PathResult{Nodes: []*storage.Node{start}}}}
	visited := map[storage.NodeID]bool{start.ID: true}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]

		if current.path.Length() >= rel.MaxHops {
			continue
		}

		edges, err := e.adjacent(current.node.ID, rel)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			nextID := otherEnd(edge, current.node.ID, rel.Direction)
			if visited[nextID] {
				continue
			}
			next, err := e.storage.GetNode(nextID)
			if err != nil {
				continue
			}

			newPath := PathResult{
				Nodes:         append(append([]*storage.Node{}, current.path.Nodes...), next),
				Relationships: append(append([]*storage.Edge{}, current.path.Relationships...), edge),
			}
			if nextID == end.ID {
				return &newPath, nil
			}
			visited[nextID] = true
			queue = append(queue, queueItem{node: next, path: newPath})
		}
	}
	return nil, nil
}
