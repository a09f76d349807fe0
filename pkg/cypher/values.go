package cypher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/orneryd/gqlite/pkg/storage"
)

// nodeProperty resolves n.key. id is always the node id; label falls back to
// the first label when no stored property shadows it.
func nodeProperty(n *storage.Node, key string) any {
	if key == "id" {
		return string(n.ID)
	}
	if v, ok := n.Properties[key]; ok {
		return v
	}
	if key == "label" && len(n.Labels) > 0 {
		return n.Labels[0]
	}
	return nil
}

// edgeProperty resolves r.key with type and id as built-ins.
func edgeProperty(e *storage.Edge, key string) any {
	switch key {
	case "type":
		return e.Type
	case "id":
		return string(e.ID)
	}
	return e.Properties[key]
}

// nodeIDFromLiteral converts an id literal to a NodeID.
func nodeIDFromLiteral(v any) (storage.NodeID, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("node id cannot be empty")
		}
		return storage.NodeID(id), nil
	case int64:
		return storage.NodeID(strconv.FormatInt(id, 10)), nil
	case float64:
		return storage.NodeID(strconv.FormatFloat(id, 'f', -1, 64)), nil
	}
	return "", fmt.Errorf("node id must be a string or number, got %T", v)
}

// normalize maps numeric representations onto float64 so that values read
// back from storage compare equal to parsed literals.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	}
	return v
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// compareValues evaluates a op b. Comparisons against null, and ordering of
// values that are not both numbers or both strings, are false.
func compareValues(a any, op string, b any) bool {
	switch op {
	case "=":
		return valuesEqual(a, b)
	case "<>":
		return a != nil && b != nil && !valuesEqual(a, b)
	}

	na, nb := normalize(a), normalize(b)
	var cmp int
	switch x := na.(type) {
	case float64:
		y, ok := nb.(float64)
		if !ok {
			return false
		}
		switch {
		case x < y:
			cmp = -1
		case x > y:
			cmp = 1
		}
	case string:
		y, ok := nb.(string)
		if !ok {
			return false
		}
		cmp = strings.Compare(x, y)
	default:
		return false
	}

	switch op {
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}
