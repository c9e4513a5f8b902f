package dict

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a file-backed Map, playing the role spec.md §4.B assigns to
// "file-backed: hash/btree/lmdb" tables — a single flat file on disk, with
// exclusive locking during a bulk Rebuild and per-record locking (SQLite's
// own) for normal reads. It is the one dict backend not grounded on
// internal/aliases, since the teacher has no local embedded-database table;
// it's grounded instead on github.com/mattn/go-sqlite3 as used elsewhere in
// the retrieved corpus (Chartly, maddy) for exactly this kind of flat
// key-value lookup table.
type SQLite struct {
	name  string
	table string

	mu sync.RWMutex
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed map at path,
// using the given table name for its single (key, value) table.
func OpenSQLite(name, path, table string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dict: opening sqlite map %q: %w", path, err)
	}

	s := &SQLite{name: name, table: table, db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema() error {
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		s.table))
	return err
}

func (s *SQLite) Name() string { return s.name }

func (s *SQLite) Lookup(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE key = ?", s.table), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		// Any other failure (lock contention, I/O error, a cancelled
		// context) is transient: the caller must retry later rather than
		// treat it as a definitive "not found".
		return "", false, ErrTryAgain
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", s.table),
		key, value)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
	return err
}

func (s *SQLite) Iterate(ctx context.Context, f func(key, value string) error) error {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT key, value FROM %s", s.table))
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := f(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Rebuild replaces the entire table's contents atomically, taking an
// exclusive lock for the duration — the "global exclusive lock during bulk
// rebuild" spec.md §4.B calls for, as opposed to the shared lock Lookup
// takes day to day (Set and Delete take the same exclusive lock, but only
// for one statement).
func (s *SQLite) Rebuild(ctx context.Context, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s(key, value) VALUES (?, ?)", s.table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range entries {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
