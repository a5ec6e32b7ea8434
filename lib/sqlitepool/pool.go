// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a pool.
type Config struct {
	// Path is the database file. Required. In-memory databases are not
	// supported because each pooled connection would see its own copy.
	Path string

	// PoolSize is the number of connections. Zero selects
	// max(4, NumCPU).
	PoolSize int

	// Logger receives open/close events. Nil discards.
	Logger *slog.Logger
}

// Pool is a fixed-size set of SQLite connections to one database.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections are opened lazily and prepared
// with the package pragmas on first use.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(4, runtime.NumCPU())
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", size)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is done.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection taken with Take.
func (p *Pool) Put(conn *sqlite.Conn) { p.inner.Put(conn) }

// Close closes every connection. Outstanding connections must have
// been returned first.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// Read runs fn with a pooled connection inside a deferred (read)
// transaction, giving fn a consistent snapshot across statements.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)
	return fn(conn)
}

// Write runs fn inside an IMMEDIATE transaction. The write lock is
// acquired before fn runs, so fn never fails midway on lock upgrade.
// The transaction commits if fn returns nil and rolls back otherwise.
//
// fn must not take a second connection from the same pool to write:
// that connection would wait on the lock held here.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin immediate: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

// IsBusy reports whether err is SQLite reporting lock contention that
// outlasted the busy timeout. Such failures are retryable.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	code := sqlite.ErrCode(err).ToPrimary()
	return code == sqlite.ResultBusy || code == sqlite.ResultLocked || errors.Is(err, context.DeadlineExceeded)
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-16384",
		"PRAGMA temp_store=MEMORY",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
