// Package statedb wraps a SQLite database providing the durable key-value
// storage the persistence adapter writes forest snapshots to.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding the persisted forest.
// Safe for concurrent use from multiple goroutines within one process;
// multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy
// timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending
// migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create kv: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// IsEmpty returns true if the kv table has no rows.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// Get returns the values for the given keys. Missing keys are absent from
// the result, not an error.
func (s *StateDB) Get(keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := "SELECT key, value FROM kv WHERE key IN (" + strings.Join(placeholders, ",") + ")"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: get: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// Set writes all entries in a single transaction and touches the
// modification timestamp for change detection by other processes.
func (s *StateDB) Set(entries map[string][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, value := range entries {
		if _, err := stmt.Exec(key, value); err != nil {
			return err
		}
	}

	if err := touchTx(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes the given keys in a single transaction.
func (s *StateDB) Remove(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := "DELETE FROM kv WHERE key IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}

	if err := touchTx(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear removes every key.
func (s *StateDB) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM kv"); err != nil {
		return err
	}
	if err := touchTx(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func touchTx(tx *sql.Tx) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)",
		strconv.FormatInt(time.Now().UnixNano(), 10),
	)
	return err
}

// Touch updates the modification timestamp outside a write transaction.
func (s *StateDB) Touch() error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)",
		strconv.FormatInt(time.Now().UnixNano(), 10),
	)
	return err
}

// LastModified returns the last modification timestamp in unix nanoseconds,
// or 0 if the database has never been written.
func (s *StateDB) LastModified() (int64, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'last_modified'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// SchemaVersionOf returns the stored schema version, or 0 when absent.
func (s *StateDB) SchemaVersionOf() (int, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}
