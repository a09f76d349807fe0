// Package graphjson defines GraphJSON, the node/link document the gateway
// returns to visualization clients, and decodes it from engine buffers.
//
// Shape:
//
//	{
//	  "nodes": [{"id": "Mark", "labels": ["Person"], "properties": {...}}],
//	  "links": [{"source": "Mark", "target": "Alex", "type": "FRIEND", "properties": {...}}],
//	  "columns": ["a", "b"],
//	  "rows": [["Mark", "Alex"]]
//	}
//
// "edges" is accepted in place of "links" and a single "label" string in place
// of "labels". columns and rows are optional. Decoding keeps the engine's order,
// keeps duplicate records, and passes nested property values through
// untouched. The only rejections are malformed JSON, a missing nodes or links
// array, and links whose endpoints name no node.
package graphjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Decoding errors. All are wrapped with detail.
var (
	ErrMalformed = errors.New("malformed JSON")
	ErrShape     = errors.New("unexpected document shape")
	ErrDangling  = errors.New("link endpoint references no node")
)

// Value is any JSON value. Numbers decode as json.Number so that integers
// beyond float64 precision survive a round trip.
type Value = any

// ID is a node identifier that remembers whether it was a JSON string or a
// JSON number. "1" and 1 are different IDs.
type ID struct {
	text   string
	number bool
}

// StringID returns a string ID.
func StringID(s string) ID { return ID{text: s} }

// IntID returns a numeric ID.
func IntID(n int64) ID { return ID{text: strconv.FormatInt(n, 10), number: true} }

// String returns the ID's text without quotes.
func (id ID) String() string { return id.text }

// IsNumber reports whether the ID was encoded as a JSON number.
func (id ID) IsNumber() bool { return id.number }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id.text == "" && !id.number }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.number {
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{text: s}
	case len(data) > 0 && (data[0] == '-' || (data[0] >= '0' && data[0] <= '9')):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*id = ID{text: n.String(), number: true}
	default:
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
	return nil
}

// Node is one node record.
type Node struct {
	ID         ID               `json:"id"`
	Labels     []string         `json:"labels"`
	Properties map[string]Value `json:"properties"`
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         *ID              `json:"id"`
		Labels     []string         `json:"labels"`
		Label      *string          `json:"label"`
		Properties map[string]Value `json:"properties"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return fmt.Errorf("%w: node without id", ErrShape)
	}
	n.ID = *raw.ID
	n.Labels = raw.Labels
	if n.Labels == nil && raw.Label != nil {
		n.Labels = []string{*raw.Label}
	}
	if n.Labels == nil {
		n.Labels = []string{}
	}
	n.Properties = raw.Properties
	if n.Properties == nil {
		n.Properties = map[string]Value{}
	}
	return nil
}

// Link is one relationship record.
type Link struct {
	Source     ID               `json:"source"`
	Target     ID               `json:"target"`
	Type       string           `json:"type"`
	Properties map[string]Value `json:"properties"`
}

func (l *Link) UnmarshalJSON(data []byte) error {
	var raw struct {
		Source     *ID              `json:"source"`
		Target     *ID              `json:"target"`
		Type       string           `json:"type"`
		Properties map[string]Value `json:"properties"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return err
	}
	if raw.Source == nil || raw.Target == nil {
		return fmt.Errorf("%w: link without source or target", ErrShape)
	}
	l.Source, l.Target, l.Type = *raw.Source, *raw.Target, raw.Type
	l.Properties = raw.Properties
	if l.Properties == nil {
		l.Properties = map[string]Value{}
	}
	return nil
}

// Graph is a decoded GraphJSON document. It owns all of its memory.
type Graph struct {
	Nodes   []Node    `json:"nodes"`
	Links   []Link    `json:"links"`
	Columns []string  `json:"columns,omitempty"`
	Rows    [][]Value `json:"rows,omitempty"`
}

// NodeByID returns the first node with id.
func (g *Graph) NodeByID(id ID) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Encode returns the canonical JSON encoding of g.
func (g *Graph) Encode() ([]byte, error) {
	out := *g
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	if out.Links == nil {
		out.Links = []Link{}
	}
	return json.Marshal(out)
}

// Validate checks referential integrity: every link endpoint must match a
// node id.
func (g *Graph) Validate() error {
	ids := make(map[ID]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for i, l := range g.Links {
		if _, ok := ids[l.Source]; !ok {
			return fmt.Errorf("%w: links[%d].source %s", ErrDangling, i, l.Source.text)
		}
		if _, ok := ids[l.Target]; !ok {
			return fmt.Errorf("%w: links[%d].target %s", ErrDangling, i, l.Target.text)
		}
	}
	return nil
}

// Decode parses and validates a GraphJSON document.
func Decode(data []byte) (*Graph, error) {
	var raw struct {
		Nodes   *[]Node   `json:"nodes"`
		Links   *[]Link   `json:"links"`
		Edges   *[]Link   `json:"edges"`
		Columns []string  `json:"columns"`
		Rows    [][]Value `json:"rows"`
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, preview(data))
	}
	if err := decodeStrict(data, &raw); err != nil {
		if errors.Is(err, ErrShape) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	if raw.Nodes == nil {
		return nil, fmt.Errorf("%w: missing nodes", ErrShape)
	}
	links := raw.Links
	if links == nil {
		links = raw.Edges
	}
	if links == nil {
		return nil, fmt.Errorf("%w: missing links", ErrShape)
	}

	g := &Graph{Nodes: *raw.Nodes, Links: *links, Columns: raw.Columns, Rows: raw.Rows}
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	if g.Links == nil {
		g.Links = []Link{}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func preview(data []byte) string {
	const limit = 64
	if len(data) == 0 {
		return "empty buffer"
	}
	if len(data) > limit {
		return strconv.Quote(string(data[:limit])) + "..."
	}
	return strconv.Quote(string(data))
}
