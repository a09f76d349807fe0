// BadgerEngine provides persistent disk-based storage using BadgerDB.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Reads run in badger View transactions and may proceed concurrently.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // guards closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives BadgerDB internal logging. Nil silences it.
	Logger *zerolog.Logger
}

// NewBadgerEngine opens (creating if missing) a persistent store in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("data directory required: %w", ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&BadgerLogger{zlog: opts.Logger.With().Str("component", "badger").Logger()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Small tables: the embedded engine backs a gateway, not a bulk store.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// BadgerLogger adapts zerolog to badger.Logger.
type BadgerLogger struct {
	zlog zerolog.Logger
}

func (l *BadgerLogger) Errorf(format string, args ...any) {
	l.zlog.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l *BadgerLogger) Warningf(format string, args ...any) {
	l.zlog.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l *BadgerLogger) Infof(format string, args ...any) {
	l.zlog.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l *BadgerLogger) Debugf(format string, args ...any) {
	l.zlog.Trace().Msgf(strings.TrimSpace(format), args...)
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// labelIndexKey creates a key for the label index.
// Format: prefix + label (lowercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	key := labelIndexPrefix(label)
	return append(key, []byte(nodeID)...)
}

func labelIndexPrefix(label string) []byte {
	normalized := strings.ToLower(label)
	key := make([]byte, 0, 1+len(normalized)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(normalized)...)
	return append(key, 0x00)
}

// adjacencyKey builds prefix + nodeID + 0x00 + edgeID for the in/out indexes.
func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	key := adjacencyPrefix(prefix, nodeID)
	return append(key, []byte(edgeID)...)
}

func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	return append(key, 0x00)
}

// idAfterSeparator returns whatever follows the first 0x00 in key.
func idAfterSeparator(key []byte) string {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return string(key[i+1:])
		}
	}
	return ""
}

// ============================================================================
// Serialization helpers
// ============================================================================

type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

type serializableEdge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"startNode"`
	EndNode    string         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  n.CreatedAt.Unix(),
		UpdatedAt:  n.UpdatedAt.Unix(),
	})
}

func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, err
	}
	if sn.Properties == nil {
		sn.Properties = map[string]any{}
	}
	return &Node{
		ID:         NodeID(sn.ID),
		Labels:     sn.Labels,
		Properties: sn.Properties,
		CreatedAt:  unixToTime(sn.CreatedAt),
		UpdatedAt:  unixToTime(sn.UpdatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:         string(e.ID),
		StartNode:  string(e.StartNode),
		EndNode:    string(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.Unix(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	if se.Properties == nil {
		se.Properties = map[string]any{}
	}
	return &Edge{
		ID:         EdgeID(se.ID),
		StartNode:  NodeID(se.StartNode),
		EndNode:    NodeID(se.EndNode),
		Type:       se.Type,
		Properties: se.Properties,
		CreatedAt:  unixToTime(se.CreatedAt),
	}, nil
}

func unixToTime(unix int64) time.Time {
	if unix <= 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func readNode(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

func readEdge(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Node Operations
// ============================================================================

// PutNode creates the node or replaces the labels and properties of an
// existing node with the same ID.
func (b *BadgerEngine) PutNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if !validID(string(node.ID)) {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		existing, err := readNode(txn, node.ID)
		switch {
		case err == nil:
			for _, label := range existing.Labels {
				if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
					return err
				}
			}
			node.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrNotFound):
			if node.CreatedAt.IsZero() {
				node.CreatedAt = now
			}
		default:
			return err
		}
		node.UpdatedAt = now
		if node.Properties == nil {
			node.Properties = map[string]any{}
		}

		data, err := encodeNode(node)
		if err != nil {
			return fmt.Errorf("failed to encode node: %w", err)
		}
		if err := txn.Set(nodeKey(node.ID), data); err != nil {
			return err
		}
		for _, label := range node.Labels {
			if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if !validID(string(id)) {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = readNode(txn, id)
		return err
	})
	return node, err
}

// DeleteNode removes a node and all its edges.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if !validID(string(id)) {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		node, err := readNode(txn, id)
		if err != nil {
			return err
		}
		for _, label := range node.Labels {
			if err := txn.Delete(labelIndexKey(label, id)); err != nil {
				return err
			}
		}
		if err := b.deleteEdgesWithPrefix(txn, adjacencyPrefix(prefixOutgoingIndex, id)); err != nil {
			return err
		}
		if err := b.deleteEdgesWithPrefix(txn, adjacencyPrefix(prefixIncomingIndex, id)); err != nil {
			return err
		}
		return txn.Delete(nodeKey(id))
	})
}

func (b *BadgerEngine) deleteEdgesWithPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var edgeIDs []EdgeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		edgeIDs = append(edgeIDs, EdgeID(idAfterSeparator(it.Item().KeyCopy(nil))))
	}
	it.Close()

	for _, edgeID := range edgeIDs {
		if err := deleteEdgeInTxn(txn, edgeID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge stores an edge between two existing nodes. ErrAlreadyExists is
// returned if the same (start, type, end) relationship is already stored.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if !validID(string(edge.ID)) || !validID(string(edge.StartNode)) || !validID(string(edge.EndNode)) {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := edgeKey(edge.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, id := range []NodeID{edge.StartNode, edge.EndNode} {
			if _, err := txn.Get(nodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
				return ErrInvalidEdge
			} else if err != nil {
				return err
			}
		}

		if edge.CreatedAt.IsZero() {
			edge.CreatedAt = time.Now()
		}
		data, err := encodeEdge(edge)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if !validID(string(id)) {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = readEdge(txn, id)
		return err
	})
	return edge, err
}

// DeleteEdge removes an edge and its adjacency entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if !validID(string(id)) {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeInTxn(txn, id)
	})
}

func deleteEdgeInTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := readEdge(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixOutgoingIndex, edge.StartNode, id)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixIncomingIndex, edge.EndNode, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// ============================================================================
// Query Operations
// ============================================================================

// GetNodesByLabel returns all nodes with the specified label, ordered by ID.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := labelIndexPrefix(label)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			nodeID := NodeID(it.Item().Key()[len(prefix):])
			node, err := readNode(txn, nodeID)
			if err != nil {
				continue // deleted concurrently
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// AllNodes returns every node, ordered by ID.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixNode}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				nodes = append(nodes, node)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode node %q: %w", it.Item().Key()[1:], err)
			}
		}
		return nil
	})
	return nodes, err
}

// AllEdges returns every edge, ordered by ID.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixEdge}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				edges = append(edges, edge)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode edge %q: %w", it.Item().Key()[1:], err)
			}
		}
		return nil
	})
	return edges, err
}

// GetOutgoingEdges returns all edges where the given node is the source.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns all edges where the given node is the target.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) adjacentEdges(indexPrefix byte, nodeID NodeID) ([]*Edge, error) {
	if !validID(string(nodeID)) {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := adjacencyPrefix(indexPrefix, nodeID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			edgeID := EdgeID(it.Item().Key()[len(prefix):])
			edge, err := readEdge(txn, edgeID)
			if err != nil {
				continue
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(p byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{p}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database. Closing twice is a no-op.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

var _ Engine = (*BadgerEngine)(nil)
