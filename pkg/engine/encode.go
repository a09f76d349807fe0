package engine

import (
	"encoding/json"

	"github.com/orneryd/gqlite/pkg/cypher"
	"github.com/orneryd/gqlite/pkg/storage"
)

type jsonNode struct {
	ID         storage.NodeID `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

type jsonLink struct {
	Source     storage.NodeID `json:"source"`
	Target     storage.NodeID `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

type jsonResult struct {
	Nodes   []jsonNode `json:"nodes"`
	Links   []jsonLink `json:"links"`
	Columns []string   `json:"columns"`
	Rows    [][]any    `json:"rows"`
}

// encodeResult renders res as GraphJSON. Nodes and links keep the order in
// which the executor first saw them.
func encodeResult(res *cypher.ExecuteResult) ([]byte, error) {
	out := jsonResult{
		Nodes:   make([]jsonNode, 0, len(res.Nodes)),
		Links:   make([]jsonLink, 0, len(res.Edges)),
		Columns: res.Columns,
		Rows:    res.Rows,
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Rows == nil {
		out.Rows = [][]any{}
	}
	for _, n := range res.Nodes {
		out.Nodes = append(out.Nodes, jsonNode{
			ID:         n.ID,
			Labels:     nonNil(n.Labels),
			Properties: propsOrEmpty(n.Properties),
		})
	}
	for _, e := range res.Edges {
		out.Links = append(out.Links, jsonLink{
			Source:     e.StartNode,
			Target:     e.EndNode,
			Type:       e.Type,
			Properties: propsOrEmpty(e.Properties),
		})
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func propsOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
