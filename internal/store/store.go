// Package store provides SQLite-backed persistence for profiles,
// sessions, messages, episodes, and facts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// schemaVersion is the current schema. Migrations are forward-only.
const schemaVersion = 1

// dbtx is the subset of *sql.DB and *sql.Tx the query helpers need, so
// every statement can run either standalone or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed memory store. Each public operation runs in
// its own implicit transaction; multi-step commits use [Store.Transaction].
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if necessary) the database at path and migrates it.
func New(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB creates a store using an existing database connection.
// Used by tests that share one in-memory database across stores.
func NewWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	var current int
	err = s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return err
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}

	if current < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	if current == 0 {
		_, err = s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
	} else if current < schemaVersion {
		_, err = s.db.Exec(`UPDATE schema_version SET version = ?`, schemaVersion)
	}
	return err
}

func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			age        INTEGER NOT NULL DEFAULT 0,
			gender     TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			state      TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			updated_at TEXT NOT NULL,
			messages   TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, state);

		-- Raw messages, kept only when debug retention is enabled.
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS episodes (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			summary       TEXT NOT NULL,
			keywords      TEXT NOT NULL DEFAULT '[]',
			emotion       TEXT NOT NULL DEFAULT 'neutral',
			importance    REAL NOT NULL,
			access_count  INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			last_accessed TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_user ON episodes(user_id);
		CREATE INDEX IF NOT EXISTS idx_episodes_importance ON episodes(user_id, importance DESC);

		CREATE TABLE IF NOT EXISTS facts (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			UNIQUE (user_id, subject, predicate, object)
		);
		CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id);
		CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(user_id, subject);
	`)
	return err
}

// Tx exposes the store operations that participate in a multi-step
// commit. All methods run on the enclosing transaction.
type Tx struct {
	tx *sql.Tx
}

// Transaction runs fn inside a single transaction, committing on nil
// return and rolling back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListUserIDs returns every user id known to any table, for maintenance
// sweeps that iterate all users.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM profiles
		UNION SELECT user_id FROM episodes
		UNION SELECT user_id FROM facts
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
