package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gqlite/pkg/config"
	"github.com/orneryd/gqlite/pkg/history"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gqlite v"+version)
}

func TestQueryCommand(t *testing.T) {
	out, err := execute(t, "", "query", "MATCH (n) RETURN n LIMIT 1", "--db", ":memory:")
	require.NoError(t, err)

	var g map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &g))
	assert.JSONEq(t, `[]`, string(g["nodes"]))
	assert.JSONEq(t, `[]`, string(g["links"]))
}

func TestQueryCommand_Error(t *testing.T) {
	_, err := execute(t, "", "query", "MATCH (n RETURN n", "--db", ":memory:")
	assert.ErrorContains(t, err, "QueryError")
}

func TestQueryCommand_CgoUnavailable(t *testing.T) {
	_, err := execute(t, "", "query", "MATCH (n) RETURN n", "--db", ":memory:", "--engine", "cgo")
	assert.Error(t, err)
}

func TestShell(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GQLITE_HISTORY_PATH", filepath.Join(dir, "history.db"))

	stdin := strings.Join([]string{
		"CREATE (a:Person {id: 'Mark'})-[:FRIEND]->(b:Person {id: 'Alex'})",
		"",
		"MATCH (a)-[r]->(b) RETURN a, r, b",
		"MATCH (n RETURN n",
		":history",
		"exit",
		"MATCH (n) RETURN n",
	}, "\n")
	out, err := execute(t, stdin, "shell", "--db", filepath.Join(dir, "graph"))
	require.NoError(t, err)

	assert.Contains(t, out, "(2 nodes, 1 links")
	assert.Contains(t, out, "QueryError: syntax error at offset")
	assert.Contains(t, out, "MATCH (a)-[r]->(b) RETURN a, r, b")
	assert.NotContains(t, out, "(2 nodes, 0 links", "nothing runs after exit")

	store, err := history.Open(context.Background(), filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestBench(t *testing.T) {
	out, err := execute(t, "", "bench", "--db", ":memory:", "--nodes", "20", "--edges", "40",
		"--readers", "4", "--reads", "50", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Time to insert 20 nodes")
	assert.Contains(t, out, "Time to insert 40 edges")
	assert.Contains(t, out, "shortest path from node0")
	assert.Contains(t, out, "50 reads across 4 readers")
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	out, err := execute(t, "", "init", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized")

	cfg, err := config.LoadFile(filepath.Join(dir, "gqlite.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "graph"), cfg.Database.Path)
	assert.NoError(t, cfg.Validate())

	_, err = execute(t, "", "init", "--data-dir", dir)
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "", "init", "--data-dir", dir, "--force")
	assert.NoError(t, err)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--db", ":memory:", "--log-level", "debug"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
