package gqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := error(errorf(KindQuery, "execute", "/db", "boom"))
	wrapped := fmt.Errorf("handler: %w", err)

	assert.ErrorIs(t, wrapped, ErrQuery)
	assert.NotErrorIs(t, wrapped, ErrOpen)
	assert.Equal(t, KindQuery, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	var ge *Error
	assert.True(t, errors.As(wrapped, &ge))
	assert.Equal(t, "boom", ge.Msg)
}

func TestKindOf_Sentinels(t *testing.T) {
	for _, k := range []Kind{KindOpen, KindInvalidHandle, KindQuery, KindSerialization, KindResource} {
		assert.Equal(t, k, KindOf(k))
		assert.Equal(t, k, KindOf(fmt.Errorf("wrapped: %w", k)))
	}
	assert.Equal(t, KindInvalidHandle, KindOf(ErrInvalidHandle))
}

func TestError_UnwrapsCause(t *testing.T) {
	err := newError(KindQuery, "execute", "", "", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrQuery)
	assert.Equal(t, context.DeadlineExceeded.Error(), err.Message())
}

func TestError_Format(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{errorf(KindOpen, "open", "/data", "permission denied"), "gqlite.open /data: OpenError: permission denied"},
		{errorf(KindInvalidHandle, "close", "", "database already closed"), "gqlite.close: InvalidHandleError: database already closed"},
		{newError(KindQuery, "execute", "/d", "", context.Canceled), "gqlite.execute /d: QueryError: context canceled"},
		{newError(KindQuery, "execute", "/d", "context canceled while scanning", context.Canceled), "gqlite.execute /d: QueryError: context canceled while scanning"},
		{newError(KindSerialization, "serialize", "", "", nil), "gqlite.serialize: SerializationError"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestError_MessageDefaults(t *testing.T) {
	assert.Equal(t, GenericFailure, newError(KindQuery, "execute", "", "", nil).Message())
	assert.Equal(t, "x", newError(KindQuery, "execute", "", "x", nil).Message())
}

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"MATCH (n) RETURN n", true},
		{"match (n)-[r*1..3]->(m) where m.id = 'a' return m limit 5", true},
		{"MATCH p = shortestPath((a)-[*]-(b)) RETURN p", true},
		{"MATCH (n {name: 'CREATE'}) RETURN n", true},
		{"MATCH (n {name: \"it's DELETE\"}) RETURN n", true},
		{"MATCH (`SET`) RETURN `SET`", true},
		{"MATCH (n) RETURN n // DELETE later", true},
		{"MATCH (n) RETURN n.created_at", true},
		{"MATCH (n) /* DELETE n */ RETURN n", true},
		{"/* read */ MATCH (n) CREATE (m)", false},
		{"MATCH (n) RETURN n /* unterminated", false},
		{"CREATE (n:Person {id: 'Mark'})", false},
		{"MATCH (n) DETACH DELETE n", false},
		{"MATCH (a), (b) create (a)-[:KNOWS]->(b)", false},
		{"MERGE (n {id: 1})", false},
		{"MATCH (n) SET n.x = 1", false},
		{"MATCH (n) REMOVE n.x", false},
		{"CALL db.labels()", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReadOnly(tt.query), tt.query)
	}
}
