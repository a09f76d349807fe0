package cypher

// Direction of a relationship pattern relative to the node on its left.
type Direction int

const (
	DirectionBoth     Direction = iota // -[r]-
	DirectionOutgoing                  // -[r]->
	DirectionIncoming                  // <-[r]-
)

func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return "both"
	}
}

// maxVarLengthHops caps unbounded variable-length patterns such as -[*]->.
const maxVarLengthHops = 20

// Query is a parsed statement.
type Query struct {
	Match  []*PathPattern
	Where  []*Condition
	Create []*PathPattern
	Delete *DeleteClause
	Return *ReturnClause
}

// ReadOnly reports whether executing q cannot modify the graph.
func (q *Query) ReadOnly() bool {
	return len(q.Create) == 0 && q.Delete == nil
}

// PathPattern is one comma-separated element of a MATCH or CREATE clause.
type PathPattern struct {
	Variable     string // p in p = (a)-->(b)
	ShortestPath bool
	Nodes        []*NodePattern
	Rels         []*RelationshipPattern // len(Rels) == len(Nodes)-1
}

// NodePattern is (var:Label {key: value}).
type NodePattern struct {
	Variable   string
	Labels     []string
	Properties map[string]any
	pos        int
}

// RelationshipPattern is -[var:TYPE|OTHER*min..max {key: value}]->.
type RelationshipPattern struct {
	Variable   string
	Types      []string
	Direction  Direction
	VarLength  bool
	MinHops    int
	MaxHops    int
	Properties map[string]any
	pos        int
}

// Condition is a single WHERE predicate var.prop <op> literal.
type Condition struct {
	Variable string
	Property string
	Op       string
	Value    any
	pos      int
}

// DeleteClause lists variables to delete.
type DeleteClause struct {
	Detach    bool
	Variables []string
	pos       int
}

// ReturnClause lists projections.
type ReturnClause struct {
	Distinct bool
	All      bool // RETURN *
	Items    []*ReturnItem
	Skip     int
	Limit    int // -1 when absent
}

// ReturnItem is var or var.prop, optionally aliased.
type ReturnItem struct {
	Variable string
	Property string
	Alias    string
	pos      int
}

// Column is the result column name for the item.
func (r *ReturnItem) Column() string {
	if r.Alias != "" {
		return r.Alias
	}
	if r.Property != "" {
		return r.Variable + "." + r.Property
	}
	return r.Variable
}
