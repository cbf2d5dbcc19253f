package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of SQLite connections with the daemon's
// standard pragmas applied. Connections are not safe for concurrent
// use; each caller takes one, works, and puts it back.
type pool struct {
	inner *sqlitex.Pool
	path  string
}

func openPool(path string, size int) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: preparePoolConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	slog.Info("SQLite pool opened", "path", path, "pool_size", size)
	return &pool{inner: inner, path: path}, nil
}

func (p *pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	slog.Info("SQLite pool closed", "path", p.path)
	return nil
}

// preparePoolConn applies the standard pragmas, once per connection.
// WAL keeps readers off the writer's back; synchronous=FULL because a
// committed transaction must survive a machine crash the instant the
// commit call returns.
func preparePoolConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}
