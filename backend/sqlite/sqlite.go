// Package sqlite opens a native backend on an SQLite database using the pure
// Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/alexhholmes/spibridge/backend/sqlbackend"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// Backend is a sqlbackend.Backend that owns its database.
type Backend struct {
	*sqlbackend.Backend
	path string
}

// Open opens the database at path. Use Memory for an in-memory database.
//
// The pool is pinned to one connection: the backend is a single session, and
// every connection to ":memory:" would otherwise see a database of its own.
func Open(path string, opts ...sqlbackend.Option) (*Backend, error) {
	dsn := path
	if path != Memory {
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &Backend{Backend: sqlbackend.New(db, opts...), path: path}, nil
}

// Path returns the path the database was opened with.
func (b *Backend) Path() string { return b.path }

// Close rolls back any open transaction and closes the database.
func (b *Backend) Close() error {
	err := b.Backend.Close()
	if cerr := b.DB().Close(); err == nil {
		err = cerr
	}
	return err
}
