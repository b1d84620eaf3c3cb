// Package postgres opens a native backend on a PostgreSQL session through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alexhholmes/spibridge/backend/sqlbackend"
)

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Options  map[string]string // Extra key=value settings, e.g. sslmode
}

// Backend is a sqlbackend.Backend that owns its connection pool.
type Backend struct {
	*sqlbackend.Backend
}

// Open connects using cfg.
func Open(ctx context.Context, cfg Config, opts ...sqlbackend.Option) (*Backend, error) {
	return OpenDSN(ctx, buildDSN(cfg), opts...)
}

// OpenDSN connects using a libpq style DSN or a postgres:// URL.
//
// The pool is pinned to one connection so that every statement, savepoint
// included, runs in the same server session.
func OpenDSN(ctx context.Context, dsn string, opts ...sqlbackend.Option) (*Backend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	opts = append([]sqlbackend.Option{sqlbackend.WithContext(ctx)}, opts...)
	return &Backend{Backend: sqlbackend.New(db, opts...)}, nil
}

// Close rolls back any open transaction and closes the pool.
func (b *Backend) Close() error {
	err := b.Backend.Close()
	if cerr := b.DB().Close(); err == nil {
		err = cerr
	}
	return err
}

// buildDSN constructs a key=value connection string.
func buildDSN(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "disable"
	if mode, ok := cfg.Options["sslmode"]; ok {
		sslmode = mode
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s", host, port, cfg.Database, sslmode)

	if cfg.Username != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return dsn
}
