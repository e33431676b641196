package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultFilename is the database file created inside a vault directory.
const DefaultFilename = "vault.db"

// DB wraps the SQLite handle and associated metadata.
type DB struct {
	sql  *sql.DB
	path string
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Open initialises a SQLite database at the given path and returns a DB wrapper.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps writes serialized with the session.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}

	return &DB{sql: handle, path: path}, nil
}

// Close releases the database resources.
func Close(d *DB) error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// EnsurePerm0600 restricts the database file to its owner on Unix systems.
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
} //Must find a new way to ensure secure database on windows too.

const schema = `
CREATE TABLE IF NOT EXISTS vault_envelope (
	id         INTEGER  PRIMARY KEY CHECK (id = 1),
	record     BLOB     NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS vault_history (
	id          INTEGER  PRIMARY KEY AUTOINCREMENT,
	record      BLOB     NOT NULL,
	replaced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Migrate ensures the envelope and history tables exist.
func Migrate(d *DB) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// OpenVault opens and migrates the database inside a vault directory.
func OpenVault(dir string) (*DB, error) {
	d, err := Open(filepath.Join(dir, DefaultFilename))
	if err != nil {
		return nil, err
	}
	if err := Migrate(d); err != nil {
		Close(d)
		return nil, err
	}
	return d, nil
}

// Vacuum rebuilds the database file, dropping pages freed by pruned history.
func Vacuum(d *DB) error {
	if _, err := d.sql.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}
	return nil
}
