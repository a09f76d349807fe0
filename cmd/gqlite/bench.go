package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/gqlite/pkg/gqlite"
)

func newBenchCmd() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark inserts, shortest path and concurrent reads",
		RunE:  runBench,
	}
	benchCmd.Flags().Int("nodes", 1000, "Nodes to insert")
	benchCmd.Flags().Int("edges", 3500, "Random FRIEND edges to insert")
	benchCmd.Flags().Int("readers", 8, "Concurrent readers")
	benchCmd.Flags().Int("reads", 1000, "Total read queries")
	benchCmd.Flags().Uint64("seed", 0, "Random seed (0 uses the clock)")
	return benchCmd
}

type benchConfig struct {
	nodes, edges   int
	readers, reads int
	seed           uint64
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer setupLogging(cfg)()

	var bc benchConfig
	bc.nodes, _ = cmd.Flags().GetInt("nodes")
	bc.edges, _ = cmd.Flags().GetInt("edges")
	bc.readers, _ = cmd.Flags().GetInt("readers")
	bc.reads, _ = cmd.Flags().GetInt("reads")
	bc.seed, _ = cmd.Flags().GetUint64("seed")
	if bc.seed == 0 {
		bc.seed = uint64(time.Now().UnixNano())
	}
	if bc.nodes < 1 {
		return fmt.Errorf("--nodes must be at least 1")
	}

	m, db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	return bench(cmd.Context(), db, bc, cmd.OutOrStdout())
}

func bench(ctx context.Context, db *gqlite.DB, bc benchConfig, out io.Writer) error {
	rng := rand.New(rand.NewPCG(bc.seed, bc.seed^0x9e3779b97f4a7c15))
	fmt.Fprintf(out, "bench on %s (%s policy, seed %d)\n", db.Path(), db.Stats().Policy, bc.seed)

	start := time.Now()
	for i := 0; i < bc.nodes; i++ {
		if _, err := db.Query(ctx, fmt.Sprintf("CREATE (:Node {id: 'node%d'})", i)); err != nil {
			return fmt.Errorf("insert node %d: %w", i, err)
		}
	}
	fmt.Fprintf(out, "Time to insert %d nodes: %s\n", bc.nodes, time.Since(start))

	start = time.Now()
	for i := 0; i < bc.edges; i++ {
		from, to := rng.IntN(bc.nodes), rng.IntN(bc.nodes)
		q := fmt.Sprintf("MATCH (a {id: 'node%d'}), (b {id: 'node%d'}) CREATE (a)-[:FRIEND]->(b)", from, to)
		if _, err := db.Query(ctx, q); err != nil {
			return fmt.Errorf("insert edge %d: %w", i, err)
		}
	}
	fmt.Fprintf(out, "Time to insert %d edges: %s\n", bc.edges, time.Since(start))

	target := rng.IntN(bc.nodes)
	start = time.Now()
	g, err := db.Query(ctx, fmt.Sprintf("MATCH p = shortestPath((a {id: 'node0'})-[:FRIEND*]->(b {id: 'node%d'})) RETURN p", target))
	if err != nil {
		return fmt.Errorf("shortest path: %w", err)
	}
	fmt.Fprintf(out, "Time to find shortest path from node0 to node%d: %s (%d hops)\n", target, time.Since(start), len(g.Links))

	if bc.reads <= 0 || bc.readers <= 0 {
		return nil
	}
	var (
		next  atomic.Int64
		links atomic.Int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	start = time.Now()
	for w := 0; w < bc.readers; w++ {
		seed := rng.Uint64()
		eg.Go(func() error {
			r := rand.New(rand.NewPCG(seed, seed))
			for next.Add(1) <= int64(bc.reads) {
				q := fmt.Sprintf("MATCH (a {id: 'node%d'})-[r:FRIEND]->(b) RETURN a, r, b", r.IntN(bc.nodes))
				g, err := db.Query(egCtx, q)
				if err != nil {
					return err
				}
				links.Add(int64(len(g.Links)))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("concurrent reads: %w", err)
	}
	elapsed := time.Since(start)
	fmt.Fprintf(out, "Time for %d reads across %d readers: %s (%.0f reads/s, %d links)\n",
		bc.reads, bc.readers, elapsed, float64(bc.reads)/elapsed.Seconds(), links.Load())
	return nil
}
