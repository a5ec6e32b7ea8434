// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stategroup persists room state maps as content-addressed,
// deduplicated state groups.
//
// Most events change at most one state slot, so storing a full map per
// event would cost O(events x state size). Instead a group is stored as
// a diff against a parent group, with a full snapshot every
// SnapshotInterval links so that materializing any group reads a
// bounded number of rows. Groups are keyed by the BLAKE3 hash of their
// map: two events with identical state share one group.
//
// Blobs are deterministic CBOR. Snapshots are LZ4-compressed; diffs are
// small and stored raw.
package stategroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/compress"
	"github.com/bureau-foundation/roomserver/lib/lrucache"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// ID identifies a state group. Zero means "no group".
type ID int64

// ErrUnknownGroup is returned when materializing an ID that was never
// created.
var ErrUnknownGroup = errors.New("stategroup: unknown state group")

// DefaultSnapshotInterval bounds diff chains when Config leaves it unset.
const DefaultSnapshotInterval = 100

var migrations = []sqlitepool.Migration{{
	Version: 1,
	Script: `
		CREATE TABLE state_groups (
			id           INTEGER PRIMARY KEY,
			hash         BLOB NOT NULL UNIQUE,
			parent_id    INTEGER,
			chain_length INTEGER NOT NULL,
			entry_count  INTEGER NOT NULL,
			compression  INTEGER NOT NULL,
			raw_size     INTEGER NOT NULL,
			payload      BLOB NOT NULL
		);
	`,
}}

// Config holds the parameters of a Store.
type Config struct {
	Pool   *sqlitepool.Pool
	Logger *slog.Logger

	// SnapshotInterval is the longest diff chain before a full
	// snapshot is written. Zero selects DefaultSnapshotInterval.
	SnapshotInterval int

	// CacheSize is the number of materialized maps kept in memory.
	CacheSize int
}

// Store creates and materializes state groups.
type Store struct {
	pool     *sqlitepool.Pool
	logger   *slog.Logger
	interval int

	// cache holds only groups read through committed connections.
	// Group IDs are rowids, which SQLite may reuse after a rolled-back
	// insert, so maps seen inside a caller's transaction are never
	// cached.
	cache *lrucache.Cache[ID, statemap.Map]
}

// Open creates the state group table if needed and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("stategroup: Pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	if err := cfg.Pool.Migrate(ctx, "stategroup", migrations); err != nil {
		return nil, err
	}
	return &Store{
		pool:     cfg.Pool,
		logger:   logger,
		interval: interval,
		cache:    lrucache.New[ID, statemap.Map](cfg.CacheSize),
	}, nil
}

// blob is the persisted form of a group. A snapshot sets Entries; a
// diff sets Added and Removed.
type blob struct {
	Entries [][2]uint64 `cbor:"e,omitempty"`
	Added   [][2]uint64 `cbor:"a,omitempty"`
	Removed []uint64    `cbor:"r,omitempty"`
}

func pairs(entries []statemap.Entry) [][2]uint64 {
	out := make([][2]uint64, len(entries))
	for i, entry := range entries {
		out[i] = [2]uint64{uint64(entry.Key), uint64(entry.Event)}
	}
	return out
}

func unpairs(in [][2]uint64) []statemap.Entry {
	out := make([]statemap.Entry, len(in))
	for i, pair := range in {
		out[i] = statemap.Entry{Key: shortid.ID(pair[0]), Event: shortid.ID(pair[1])}
	}
	return out
}

// GetOrCreate returns the group holding m, creating it in its own
// transaction if needed.
func (s *Store) GetOrCreate(ctx context.Context, m statemap.Map, parentHint ID) (ID, error) {
	var id ID
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = s.GetOrCreateTx(conn, m, parentHint)
		return err
	})
	return id, err
}

// GetOrCreateTx returns the group holding m, creating it on conn, which
// must hold a write transaction. parentHint names a group whose map is
// likely close to m; the new group is stored as a diff against it when
// that keeps the chain within the snapshot interval and the diff is
// smaller than the map. A zero hint forces a snapshot.
func (s *Store) GetOrCreateTx(conn *sqlite.Conn, m statemap.Map, parentHint ID) (ID, error) {
	hash := m.Hash()
	existing, err := s.lookupHash(conn, hash)
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return existing, nil
	}

	var (
		record      blob
		parent      any // nil for snapshots
		chainLength int
	)
	if parentHint != 0 {
		parentChain, err := s.chainLength(conn, parentHint)
		if err != nil {
			return 0, err
		}
		if parentChain+1 < s.interval {
			parentMap, err := s.MaterializeTx(conn, parentHint)
			if err != nil {
				return 0, err
			}
			diff := parentMap.Diff(m)
			if diff.Size() < m.Len() {
				record.Added = pairs(diff.Added)
				record.Removed = make([]uint64, len(diff.Removed))
				for i, key := range diff.Removed {
					record.Removed[i] = uint64(key)
				}
				parent = int64(parentHint)
				chainLength = parentChain + 1
			}
		}
	}
	preferred := compress.TagNone
	if parent == nil {
		record.Entries = pairs(m.Entries())
		preferred = compress.TagLZ4
	}

	encoded, err := codec.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("stategroup: encoding group: %w", err)
	}
	tag, payload, err := compress.Encode(encoded, preferred)
	if err != nil {
		return 0, fmt.Errorf("stategroup: %w", err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO state_groups (hash, parent_id, chain_length, entry_count, compression, raw_size, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{hash[:], parent, chainLength, m.Len(), int64(tag), len(encoded), payload}})
	if err != nil {
		return 0, fmt.Errorf("stategroup: inserting group: %w", err)
	}
	id := ID(conn.LastInsertRowID())
	s.logger.Debug("state group created",
		"group", id,
		"parent", parentHint,
		"snapshot", parent == nil,
		"entries", m.Len(),
		"stored_bytes", len(payload),
	)
	return id, nil
}

func (s *Store) lookupHash(conn *sqlite.Conn, hash statemap.Hash) (ID, error) {
	var id ID
	err := sqlitex.Execute(conn, `SELECT id FROM state_groups WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{hash[:]},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = ID(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("stategroup: looking up hash: %w", err)
	}
	return id, nil
}

func (s *Store) chainLength(conn *sqlite.Conn, id ID) (int, error) {
	length := -1
	err := sqlitex.Execute(conn, `SELECT chain_length FROM state_groups WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			length = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("stategroup: reading group %d: %w", id, err)
	}
	if length < 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}
	return length, nil
}

// Materialize returns the full map of group id.
func (s *Store) Materialize(ctx context.Context, id ID) (statemap.Map, error) {
	if id == 0 {
		return statemap.Map{}, nil
	}
	if m, ok := s.cache.Get(id); ok {
		return m, nil
	}
	var m statemap.Map
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		m, err = s.MaterializeTx(conn, id)
		return err
	})
	if err != nil {
		return statemap.Map{}, err
	}
	s.cache.Add(id, m)
	return m, nil
}

// MaterializeTx is Materialize on a caller's connection. It reads the
// cache but never fills it.
func (s *Store) MaterializeTx(conn *sqlite.Conn, id ID) (statemap.Map, error) {
	if id == 0 {
		return statemap.Map{}, nil
	}
	var (
		diffs []blob
		base  statemap.Map
	)
	for current := id; ; {
		if cached, ok := s.cache.Get(current); ok {
			base = cached
			break
		}
		record, parent, err := s.load(conn, current)
		if err != nil {
			return statemap.Map{}, err
		}
		if parent == 0 {
			base = statemap.FromSorted(unpairs(record.Entries))
			break
		}
		diffs = append(diffs, record)
		current = parent
	}
	for _, record := range slices.Backward(diffs) {
		removed := make([]shortid.ID, len(record.Removed))
		for i, key := range record.Removed {
			removed[i] = shortid.ID(key)
		}
		base = base.Apply(statemap.Diff{Added: unpairs(record.Added), Removed: removed})
	}
	return base, nil
}

func (s *Store) load(conn *sqlite.Conn, id ID) (blob, ID, error) {
	var (
		found   bool
		parent  ID
		tag     compress.Tag
		rawSize int
		payload []byte
	)
	err := sqlitex.Execute(conn,
		`SELECT parent_id, compression, raw_size, payload FROM state_groups WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				parent = ID(stmt.ColumnInt64(0))
				tag = compress.Tag(stmt.ColumnInt64(1))
				rawSize = stmt.ColumnInt(2)
				payload = make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, payload)
				return nil
			},
		})
	if err != nil {
		return blob{}, 0, fmt.Errorf("stategroup: loading group %d: %w", id, err)
	}
	if !found {
		return blob{}, 0, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}
	encoded, err := compress.Decode(tag, payload, rawSize)
	if err != nil {
		return blob{}, 0, fmt.Errorf("stategroup: group %d: %w", id, err)
	}
	var record blob
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return blob{}, 0, fmt.Errorf("stategroup: decoding group %d: %w", id, err)
	}
	return record, parent, nil
}

// Info describes the storage of one group.
type Info struct {
	ID          ID
	Parent      ID
	ChainLength int
	Entries     int
	StoredBytes int
}

// Describe returns storage details of a group, for diagnostics.
func (s *Store) Describe(ctx context.Context, id ID) (Info, error) {
	info := Info{ID: id}
	found := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT parent_id, chain_length, entry_count, length(payload) FROM state_groups WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{int64(id)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					info.Parent = ID(stmt.ColumnInt64(0))
					info.ChainLength = stmt.ColumnInt(1)
					info.Entries = stmt.ColumnInt(2)
					info.StoredBytes = stmt.ColumnInt(3)
					return nil
				},
			})
	})
	if err != nil {
		return Info{}, fmt.Errorf("stategroup: describing group %d: %w", id, err)
	}
	if !found {
		return Info{}, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}
	return info, nil
}
