// Package restartlog is an optional sqlite-backed audit mirror for restart
// events (SPEC_FULL.md's domain-stack wiring of modernc.org/sqlite/
// database/sql). Grounded on the teacher's internal/store.Store: the same
// embedded-migration-table bootstrap, applied to a single narrow table
// instead of the teacher's full chat/task/thread schema, since spec.md's
// Non-goals explicitly exclude a general storage format — this is audit
// logging only, never read back by the supervisor's own decision-making.
package restartlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store appends restart events to a local sqlite database. A nil *Store is
// valid and every method becomes a no-op, so callers can treat audit
// logging as an optional decoration.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite database at dsn and applies any
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			return fmt.Errorf("record migration %s: %w", f, err)
		}
	}
	return nil
}

// RecordRestart appends one restart event. Safe to call on a nil *Store.
func (s *Store) RecordRestart(ctx context.Context, sessionName, role, reason string, succeeded bool) error {
	if s == nil {
		return nil
	}
	succ := 0
	if succeeded {
		succ = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO restart_events (session_name, role, reason, succeeded, occurred_at) VALUES (?, ?, ?, ?, ?)",
		sessionName, role, reason, succ, time.Now())
	return err
}

// Event is one row of restart_events.
type Event struct {
	SessionName string
	Role        string
	Reason      string
	Succeeded   bool
	OccurredAt  time.Time
}

// ListForSession returns every recorded restart for a session, most recent
// first. Returns nil on a nil *Store.
func (s *Store) ListForSession(ctx context.Context, sessionName string) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_name, role, reason, succeeded, occurred_at FROM restart_events WHERE session_name = ? ORDER BY occurred_at DESC",
		sessionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var succ int
		if err := rows.Scan(&e.SessionName, &e.Role, &e.Reason, &succ, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Succeeded = succ != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
