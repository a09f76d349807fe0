// Package history records executed queries in a SQLite file so the gateway
// can list recent activity on GET /history and the shell can recall it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id          TEXT PRIMARY KEY,
	db_path     TEXT NOT NULL,
	query       TEXT NOT NULL,
	read_only   INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	nodes       INTEGER NOT NULL,
	links       INTEGER NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	error_msg   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS queries_started_at ON queries (started_at DESC);
`

// Entry is one executed query.
type Entry struct {
	ID        string        `json:"id"`
	DBPath    string        `json:"db_path"`
	Query     string        `json:"query"`
	ReadOnly  bool          `json:"read_only"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Nodes     int           `json:"nodes"`
	Links     int           `json:"links"`
	ErrorKind string        `json:"error_kind,omitempty"`
	ErrorMsg  string        `json:"error_message,omitempty"`
}

// Store is a SQLite-backed query log. Methods are safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory log.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}

	log.Debug().Str("path", path).Msg("History database ready")
	return &Store{db: db, path: path, log: log.Logger}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Record stores e, assigning an ID and start time when unset, and returns
// the stored entry.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, db_path, query, read_only, started_at, duration_us, nodes, links, error_kind, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DBPath, e.Query, e.ReadOnly, e.StartedAt.UnixMicro(), e.Duration.Microseconds(),
		e.Nodes, e.Links, e.ErrorKind, e.ErrorMsg,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record query: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, db_path, query, read_only, started_at, duration_us, nodes, links, error_kind, error_msg
		FROM queries ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e              Entry
			started, durUS int64
		)
		if err := rows.Scan(&e.ID, &e.DBPath, &e.Query, &e.ReadOnly, &started, &durUS,
			&e.Nodes, &e.Links, &e.ErrorKind, &e.ErrorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.StartedAt = time.UnixMicro(started)
		e.Duration = time.Duration(durUS) * time.Microsecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry with id, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var (
		e              Entry
		started, durUS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, db_path, query, read_only, started_at, duration_us, nodes, links, error_kind, error_msg
		FROM queries WHERE id = ?`, id).
		Scan(&e.ID, &e.DBPath, &e.Query, &e.ReadOnly, &started, &durUS, &e.Nodes, &e.Links, &e.ErrorKind, &e.ErrorMsg)
	if err != nil {
		return Entry{}, err
	}
	e.StartedAt = time.UnixMicro(started)
	e.Duration = time.Duration(durUS) * time.Microsecond
	return e, nil
}

// Prune deletes entries older than cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE started_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("Pruned query history")
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
