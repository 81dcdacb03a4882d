// Package store implements the orchestrator's durable state store: a
// single-writer-serialized, concurrent-reader SQLite database holding the
// four entity collections (work items, agent runs, agent events, review
// iterations). It follows the teacher's habit of owning its schema as
// embedded migrations and wrapping every write behind an in-process mutex,
// generalized here to sqlx/goose/go-sqlite3 rather than hand-rolled SQL.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/andywolf/swarmd/internal/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable state store. All writes are serialized through mu;
// SQLite's WAL mode lets concurrent readers proceed without blocking on it.
type Store struct {
	db  *sqlx.DB
	mu  sync.Mutex
	log *logx.Logger
}

// Open creates the database file (and parent directories) if absent, applies
// goose migrations, runs the idempotent additive-column pass, and sets the
// pragmas the single-writer/concurrent-reader discipline depends on.
func Open(path string, log *logx.Logger) (*Store, error) {
	if log == nil {
		log = logx.New("store")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; readers share the same WAL snapshot fine.

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureColumns(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// additiveColumn is one entry in the declarative column list the idempotent
// migration pass walks. Detection (via PRAGMA table_info) always precedes
// the ALTER, per the spec's "missing-column detection must precede the
// alter operation" requirement.
type additiveColumn struct {
	table      string
	column     string
	definition string
}

// declaredColumns is the full set of columns every table must have. Entries
// already created by the goose migration are harmless no-ops here; this
// pass exists so that future column additions never require a destructive
// schema rewrite, matching the spec's "idempotent migration step that adds
// any missing columns" requirement independent of goose version history.
var declaredColumns = []additiveColumn{
	{"work_items", "number", "INTEGER"},
	{"work_items", "title", "TEXT NOT NULL DEFAULT ''"},
	{"work_items", "body", "TEXT NOT NULL DEFAULT ''"},
	{"work_items", "status", "TEXT NOT NULL DEFAULT 'pending'"},
	{"work_items", "assigned_agent_id", "TEXT"},
	{"work_items", "pr_number", "INTEGER"},
	{"work_items", "attempts", "INTEGER NOT NULL DEFAULT 0"},
	{"work_items", "created_at", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
	{"work_items", "updated_at", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},

	{"agent_runs", "agent_id", "TEXT"},
	{"agent_runs", "work_item_number", "INTEGER"},
	{"agent_runs", "pr_number", "INTEGER"},
	{"agent_runs", "kind", "TEXT NOT NULL DEFAULT 'implement'"},
	{"agent_runs", "status", "TEXT NOT NULL DEFAULT 'running'"},
	{"agent_runs", "worktree_path", "TEXT NOT NULL DEFAULT ''"},
	{"agent_runs", "branch_name", "TEXT NOT NULL DEFAULT ''"},
	{"agent_runs", "pid", "INTEGER"},
	{"agent_runs", "session_id", "TEXT"},
	{"agent_runs", "resume_count", "INTEGER NOT NULL DEFAULT 0"},
	{"agent_runs", "rate_limited_at", "DATETIME"},
	{"agent_runs", "started_at", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
	{"agent_runs", "finished_at", "DATETIME"},
	{"agent_runs", "error_message", "TEXT"},

	{"agent_events", "agent_id", "TEXT"},
	{"agent_events", "event_type", "TEXT NOT NULL DEFAULT 'error'"},
	{"agent_events", "event_data", "TEXT NOT NULL DEFAULT ''"},
	{"agent_events", "timestamp", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},

	{"review_iterations", "pr_number", "INTEGER"},
	{"review_iterations", "iteration", "INTEGER"},
	{"review_iterations", "comments_count", "INTEGER NOT NULL DEFAULT 0"},
	{"review_iterations", "comments_json", "TEXT"},
	{"review_iterations", "agent_id", "TEXT"},
	{"review_iterations", "status", "TEXT NOT NULL DEFAULT 'pending'"},
	{"review_iterations", "created_at", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
}

func (s *Store) ensureColumns() error {
	byTable := make(map[string]map[string]string)
	for _, c := range declaredColumns {
		if byTable[c.table] == nil {
			byTable[c.table] = make(map[string]string)
		}
		byTable[c.table][c.column] = c.definition
	}

	for table, cols := range byTable {
		existing, err := s.tableColumns(table)
		if err != nil {
			return fmt.Errorf("store: inspect %s: %w", table, err)
		}
		for col, def := range cols {
			if existing[col] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, def)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("store: add column %s.%s: %w", table, col, err)
			}
			s.log.Info("added missing column %s.%s", table, col)
		}
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, serialized against all other writers
// by mu. Readers (plain Get/Select calls elsewhere in the package) do not
// take mu, relying on WAL to let them proceed concurrently.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
