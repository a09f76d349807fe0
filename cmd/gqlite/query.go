package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/gqlite/pkg/gqlite"
	"github.com/orneryd/gqlite/pkg/history"
)

func newQueryCmd() *cobra.Command {
	queryCmd := &cobra.Command{
		Use:   "query [cypher]",
		Short: "Run one query and print its GraphJSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().Bool("pretty", false, "Indent the JSON output")
	return queryCmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer setupLogging(cfg)()
	pretty, _ := cmd.Flags().GetBool("pretty")

	ctx, cancel := queryContext(cmd.Context(), cfg.Database.QueryTimeout)
	defer cancel()

	m, db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	data, err := db.QueryJSON(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), data, pretty)
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive query prompt",
		Long: `Reads one query per line and prints its GraphJSON.

Type 'exit' or 'quit' (or Ctrl+D) to leave, ':history' to list recent
queries when history is enabled, ':stats' for handle counters.`,
		RunE: runShell,
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer setupLogging(cfg)()

	m, db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	var hist *history.Store
	if cfg.History.Path != "" {
		if hist, err = history.Open(cmd.Context(), cfg.History.Path); err != nil {
			return err
		}
		defer hist.Close()
	}

	sh := &shell{
		db:      db,
		history: hist,
		timeout: cfg.Database.QueryTimeout,
		out:     cmd.OutOrStdout(),
	}
	return sh.run(cmd.Context(), cmd.InOrStdin())
}

type shell struct {
	db      *gqlite.DB
	history *history.Store
	timeout time.Duration
	out     io.Writer
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(s.out, "gqlite shell on %s - enter queries (type 'exit' to quit)\n", s.db.Path())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case ":history":
			s.printHistory(ctx)
			continue
		case ":stats":
			fmt.Fprintf(s.out, "%+v\n", s.db.Stats())
			continue
		}
		s.exec(ctx, line)
	}
}

func (s *shell) exec(ctx context.Context, query string) {
	qctx, cancel := queryContext(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	g, err := s.db.Query(qctx, query)
	elapsed := time.Since(start)

	if s.history != nil {
		e := history.Entry{DBPath: s.db.Path(), Query: query, ReadOnly: gqlite.IsReadOnly(query), StartedAt: start, Duration: elapsed}
		if g != nil {
			e.Nodes, e.Links = len(g.Nodes), len(g.Links)
		}
		if err != nil {
			e.ErrorKind = string(gqlite.KindOf(err))
			e.ErrorMsg = err.Error()
		}
		_, _ = s.history.Record(ctx, e)
	}

	if err != nil {
		var ge *gqlite.Error
		if errors.As(err, &ge) {
			fmt.Fprintf(s.out, "%s: %s\n", ge.Kind, ge.Message())
		} else {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		return
	}
	data, err := g.Encode()
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	_ = writeJSON(s.out, data, true)
	fmt.Fprintf(s.out, "(%d nodes, %d links, %s)\n", len(g.Nodes), len(g.Links), elapsed.Round(time.Microsecond))
}

func (s *shell) printHistory(ctx context.Context) {
	if s.history == nil {
		fmt.Fprintln(s.out, "history is disabled (set history.path)")
		return
	}
	entries, err := s.history.List(ctx, 20)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		status := "ok"
		if e.ErrorKind != "" {
			status = e.ErrorKind
		}
		fmt.Fprintf(s.out, "%s  %-18s %s\n", e.StartedAt.Format("15:04:05"), status, e.Query)
	}
}

func queryContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func writeJSON(w io.Writer, data []byte, pretty bool) error {
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	_, err := fmt.Fprintln(w, string(data))
	return err
}
