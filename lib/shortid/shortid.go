// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shortid interns the long strings that recur across room
// state (event IDs, room IDs, user IDs, and (event type, state key)
// tuples) into dense 64-bit identifiers.
//
// State maps, state group blobs, and every secondary index store short
// IDs instead of strings. An ID, once assigned, is permanent: the
// mapping is persisted in SQLite and never reassigned, so IDs are safe
// to embed in stored blobs and content hashes.
//
// Interning commits on its own connection before the caller opens any
// write transaction. A caller must never Intern while holding a write
// transaction on the same database: the interner would wait on the
// caller's own lock.
package shortid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/lrucache"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
)

// ID is a short identifier. Zero is never assigned and means "none".
type ID uint64

// StateKey is an interned (event type, state key) tuple.
type StateKey struct {
	EventType ref.EventType
	StateKey  string
}

// ErrUnknownShortID is returned by Resolve for an ID that was never
// assigned.
var ErrUnknownShortID = errors.New("shortid: unknown short ID")

var migrations = []sqlitepool.Migration{{
	Version: 1,
	Script: `
		CREATE TABLE short_strings (
			id    INTEGER PRIMARY KEY,
			value TEXT NOT NULL UNIQUE
		);
		CREATE TABLE short_state_keys (
			id         INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			state_key  TEXT NOT NULL,
			UNIQUE (event_type, state_key)
		);
	`,
}}

// DefaultCacheSize is the per-direction cache capacity used when
// Config.CacheSize is zero.
const DefaultCacheSize = 65536

// Config holds the dependencies of an Interner.
type Config struct {
	Pool   *sqlitepool.Pool
	Logger *slog.Logger

	// CacheSize bounds each of the four lookup caches. Zero means
	// DefaultCacheSize; a negative size disables caching.
	CacheSize int
}

// Interner assigns and resolves short IDs. Both directions are cached
// in bounded LRUs; the caches only ever hold committed assignments, so
// they never need invalidation. An Interner is safe for concurrent use.
type Interner struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	strings     *lrucache.Cache[string, ID]
	stringIDs   *lrucache.Cache[ID, string]
	stateKeys   *lrucache.Cache[StateKey, ID]
	stateKeyIDs *lrucache.Cache[ID, StateKey]
}

// New creates the interner's tables if needed and returns it.
func New(ctx context.Context, cfg Config) (*Interner, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("shortid: Pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Pool.Migrate(ctx, "shortid", migrations); err != nil {
		return nil, err
	}
	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	return &Interner{
		pool:        cfg.Pool,
		logger:      logger,
		strings:     lrucache.New[string, ID](size),
		stringIDs:   lrucache.New[ID, string](size),
		stateKeys:   lrucache.New[StateKey, ID](size),
		stateKeyIDs: lrucache.New[ID, StateKey](size),
	}, nil
}

// Intern returns the short ID of value, assigning one if needed.
// Concurrent calls for the same value return the same ID.
func (in *Interner) Intern(ctx context.Context, value string) (ID, error) {
	if id, ok := in.strings.Get(value); ok {
		return id, nil
	}
	var id ID
	err := in.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`INSERT INTO short_strings (value) VALUES (?) ON CONFLICT(value) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{value}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `SELECT id FROM short_strings WHERE value = ?`,
			&sqlitex.ExecOptions{
				Args: []any{value},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = ID(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("shortid: interning %q: %w", value, err)
	}
	in.rememberString(value, id)
	return id, nil
}

// InternStateKey returns the short ID of an (event type, state key)
// tuple, assigning one if needed.
func (in *Interner) InternStateKey(ctx context.Context, eventType ref.EventType, stateKey string) (ID, error) {
	key := StateKey{EventType: eventType, StateKey: stateKey}
	if id, ok := in.stateKeys.Get(key); ok {
		return id, nil
	}
	var id ID
	err := in.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`INSERT INTO short_state_keys (event_type, state_key) VALUES (?, ?)
			 ON CONFLICT(event_type, state_key) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{string(eventType), stateKey}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`SELECT id FROM short_state_keys WHERE event_type = ? AND state_key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(eventType), stateKey},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = ID(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("shortid: interning state key %s/%q: %w", eventType, stateKey, err)
	}
	in.rememberStateKey(key, id)
	return id, nil
}

// Lookup returns the short ID of value without assigning one. The
// second return is false if value was never interned.
func (in *Interner) Lookup(ctx context.Context, value string) (ID, bool, error) {
	if id, ok := in.strings.Get(value); ok {
		return id, true, nil
	}
	var id ID
	err := in.read(ctx, `SELECT id FROM short_strings WHERE value = ?`, []any{value}, func(stmt *sqlite.Stmt) {
		id = ID(stmt.ColumnInt64(0))
	})
	if err != nil {
		return 0, false, fmt.Errorf("shortid: looking up %q: %w", value, err)
	}
	if id == 0 {
		return 0, false, nil
	}
	in.rememberString(value, id)
	return id, true, nil
}

// LookupTx is Lookup on a caller's connection, for use inside a
// transaction. Assignments are committed before any transaction that
// references them opens, so the result is the same as Lookup's.
func (in *Interner) LookupTx(conn *sqlite.Conn, value string) (ID, bool, error) {
	if id, ok := in.strings.Get(value); ok {
		return id, true, nil
	}
	var id ID
	err := sqlitex.Execute(conn, `SELECT id FROM short_strings WHERE value = ?`, &sqlitex.ExecOptions{
		Args: []any{value},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = ID(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("shortid: looking up %q: %w", value, err)
	}
	if id == 0 {
		return 0, false, nil
	}
	in.rememberString(value, id)
	return id, true, nil
}

// LookupStateKey is Lookup for state key tuples.
func (in *Interner) LookupStateKey(ctx context.Context, eventType ref.EventType, stateKey string) (ID, bool, error) {
	key := StateKey{EventType: eventType, StateKey: stateKey}
	if id, ok := in.stateKeys.Get(key); ok {
		return id, true, nil
	}
	var id ID
	err := in.read(ctx, `SELECT id FROM short_state_keys WHERE event_type = ? AND state_key = ?`,
		[]any{string(eventType), stateKey}, func(stmt *sqlite.Stmt) {
			id = ID(stmt.ColumnInt64(0))
		})
	if err != nil {
		return 0, false, fmt.Errorf("shortid: looking up state key %s/%q: %w", eventType, stateKey, err)
	}
	if id == 0 {
		return 0, false, nil
	}
	in.rememberStateKey(key, id)
	return id, true, nil
}

// Resolve returns the string assigned id.
func (in *Interner) Resolve(ctx context.Context, id ID) (string, error) {
	if value, ok := in.stringIDs.Get(id); ok {
		return value, nil
	}
	var (
		value string
		found bool
	)
	err := in.read(ctx, `SELECT value FROM short_strings WHERE id = ?`, []any{int64(id)}, func(stmt *sqlite.Stmt) {
		value, found = stmt.ColumnText(0), true
	})
	if err != nil {
		return "", fmt.Errorf("shortid: resolving %d: %w", id, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %d", ErrUnknownShortID, id)
	}
	in.rememberString(value, id)
	return value, nil
}

// ResolveStateKey returns the tuple assigned id.
func (in *Interner) ResolveStateKey(ctx context.Context, id ID) (StateKey, error) {
	if key, ok := in.stateKeyIDs.Get(id); ok {
		return key, nil
	}
	var (
		key   StateKey
		found bool
	)
	err := in.read(ctx, `SELECT event_type, state_key FROM short_state_keys WHERE id = ?`, []any{int64(id)}, func(stmt *sqlite.Stmt) {
		key = StateKey{EventType: ref.EventType(stmt.ColumnText(0)), StateKey: stmt.ColumnText(1)}
		found = true
	})
	if err != nil {
		return StateKey{}, fmt.Errorf("shortid: resolving state key %d: %w", id, err)
	}
	if !found {
		return StateKey{}, fmt.Errorf("%w: state key %d", ErrUnknownShortID, id)
	}
	in.rememberStateKey(key, id)
	return key, nil
}

func (in *Interner) read(ctx context.Context, query string, args []any, row func(*sqlite.Stmt)) error {
	conn, err := in.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer in.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row(stmt)
			return nil
		},
	})
}

func (in *Interner) rememberString(value string, id ID) {
	in.strings.Add(value, id)
	in.stringIDs.Add(id, value)
}

func (in *Interner) rememberStateKey(key StateKey, id ID) {
	in.stateKeys.Add(key, id)
	in.stateKeyIDs.Add(id, key)
}
