// Package storage provides the graph storage engine behind the embedded gqlite engine.
//
// The store is a labeled property graph: nodes carry labels and properties,
// edges carry a single type and properties. Nodes are addressed by their id
// (the `id` property of a CREATE pattern), edges by the triple
// (start, type, end), so creating the same relationship twice is idempotent.
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	_ = engine.PutNode(&storage.Node{ID: "Mark", Labels: []string{"Person"}})
//	_ = engine.PutNode(&storage.Node{ID: "Alex", Labels: []string{"Person"}})
//	_ = engine.CreateEdge(storage.NewEdge("Mark", "FRIEND", "Alex", nil))
package storage

import (
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
//
// Edge ids are derived from the endpoints and the type, see EdgeIDFor.
type EdgeID string

// Node is a vertex of the labeled property graph.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// HasLabel reports whether the node carries label (case-insensitive).
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
}

// EdgeIDFor returns the identity of the relationship start-[:edgeType]->end.
func EdgeIDFor(start NodeID, edgeType string, end NodeID) EdgeID {
	return EdgeID(string(start) + ":" + edgeType + ":" + string(end))
}

// NewEdge builds an edge whose ID is derived with EdgeIDFor.
func NewEdge(start NodeID, edgeType string, end NodeID, props map[string]any) *Edge {
	if props == nil {
		props = map[string]any{}
	}
	return &Edge{
		ID:         EdgeIDFor(start, edgeType, end),
		StartNode:  start,
		EndNode:    end,
		Type:       edgeType,
		Properties: props,
		CreatedAt:  time.Now(),
	}
}

// Engine is the storage contract the query executor runs against.
//
// Implementations must be safe for concurrent use: readers may run alongside
// each other, and writes must not expose partially applied index updates.
type Engine interface {
	// Node operations
	PutNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// validID rejects ids that would break the 0x00-separated index keys.
func validID(id string) bool {
	return id != "" && !strings.ContainsRune(id, 0)
}
