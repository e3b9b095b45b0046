package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the database inside the storage root.
const DatabaseFile = "quarry.db"

const schema = `
CREATE TABLE IF NOT EXISTS roots (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS objects (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	created_at TEXT NOT NULL
)`

// Engine is the storage engine of one machine, rooted at a directory on
// the local filesystem.
type Engine struct {
	root string
	db   *sql.DB

	rootSet *RootSet
	factory *Factory

	mu     sync.Mutex
	closed bool
}

// Open opens the engine rooted at root, which must be an existing
// directory. The database is created on first use; reopening a root sees
// everything previously written to it.
func Open(root string) (*Engine, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open storage root %s: not a directory", root)
	}

	db, err := sql.Open("sqlite", filepath.Join(root, DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set storage journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set storage busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize storage schema: %w", err)
	}

	e := &Engine{root: root, db: db}
	e.rootSet = &RootSet{engine: e}
	e.factory = &Factory{engine: e}
	return e, nil
}

// Root returns the directory the engine lives in.
func (e *Engine) Root() string {
	return e.root
}

// RootSet returns the engine's root table.
func (e *Engine) RootSet() *RootSet {
	return e.rootSet
}

// Factory returns the engine's object factory.
func (e *Engine) Factory() *Factory {
	return e.factory
}

// Close releases the database. Later operations fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *Engine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
