// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the durable, append-only store of PDUs.
//
// Each event is one row keyed by its interned event ID. The row carries
// the compressed event JSON plus the columns that back the secondary
// indexes (room arrival order, state slot, sender), so a single INSERT
// updates the primary record and every index atomically. Events are
// never deleted; the only mutations are the status transition of an
// outlier into the graph and the in-place redaction of content.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/lrucache"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
)

// Status is where an event stands relative to the room graph. Values
// are persisted and must never be renumbered.
type Status uint8

const (
	// StatusOutlier: stored, but some prev event is not yet in the
	// graph.
	StatusOutlier Status = 0
	// StatusIntegrated: in the graph, passed authorization.
	StatusIntegrated Status = 1
	// StatusRejected: in the graph, failed authorization against its
	// own state. Contributes no state.
	StatusRejected Status = 2
	// StatusSoftFailed: in the graph and authorized by its own state,
	// but not by the room's current state. Never a forward extremity.
	StatusSoftFailed Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOutlier:
		return "outlier"
	case StatusIntegrated:
		return "integrated"
	case StatusRejected:
		return "rejected"
	case StatusSoftFailed:
		return "soft_failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Placed reports whether the event has a position in the graph, which
// is what a child event waits for before it can be integrated.
func (s Status) Placed() bool { return s != StatusOutlier }

var (
	// ErrDuplicateEvent is returned when appending an event whose ID
	// is already stored. The store is unchanged.
	ErrDuplicateEvent = errors.New("eventstore: duplicate event")

	// ErrNotFound is returned for an event ID that is not stored.
	ErrNotFound = errors.New("eventstore: event not found")
)

// StoreError wraps a storage failure. Retryable is set when the failure
// was lock contention rather than a fault in the data.
type StoreError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StoreError) Error() string { return fmt.Sprintf("eventstore: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(op string, err error) error {
	if err == nil || errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrNotFound) {
		return err
	}
	var already *StoreError
	if errors.As(err, &already) {
		return err
	}
	return &StoreError{Op: op, Err: err, Retryable: sqlitepool.IsBusy(err)}
}

// Interned holds the short IDs an event row references. They are
// assigned before the write transaction opens.
type Interned struct {
	Event    shortid.ID
	Room     shortid.ID
	Sender   shortid.ID
	StateKey shortid.ID // zero for non-state events
}

// Record is a stored event with its graph metadata.
type Record struct {
	Event      *pdu.Event
	NID        shortid.ID
	Status     Status
	StateGroup stategroup.ID
	Rejection  string
	Redacted   bool

	// Position is the event's arrival sequence number across all rooms.
	Position int64
}

var migrations = []sqlitepool.Migration{{
	Version: 1,
	Script: `
		CREATE TABLE events (
			event_nid        INTEGER PRIMARY KEY,
			position         INTEGER NOT NULL UNIQUE,
			room_nid         INTEGER NOT NULL,
			sender_nid       INTEGER NOT NULL,
			event_type       TEXT NOT NULL,
			state_key_nid    INTEGER,
			depth            INTEGER NOT NULL,
			origin_server_ts INTEGER NOT NULL,
			status           INTEGER NOT NULL,
			state_group      INTEGER NOT NULL DEFAULT 0,
			rejection        TEXT NOT NULL DEFAULT '',
			redacted_by      TEXT,
			compression      INTEGER NOT NULL,
			raw_size         INTEGER NOT NULL,
			json             BLOB NOT NULL
		);
		CREATE INDEX events_by_room ON events (room_nid, position);
		CREATE INDEX events_by_state_key ON events (room_nid, state_key_nid, position)
			WHERE state_key_nid IS NOT NULL;
		CREATE INDEX events_by_sender ON events (room_nid, sender_nid, position);

		CREATE TABLE outlier_edges (
			missing_event_id TEXT NOT NULL,
			event_nid        INTEGER NOT NULL,
			room_nid         INTEGER NOT NULL,
			origin           TEXT NOT NULL,
			PRIMARY KEY (missing_event_id, event_nid)
		);
		CREATE INDEX outlier_edges_by_event ON outlier_edges (event_nid);
		CREATE INDEX outlier_edges_by_room ON outlier_edges (room_nid);

		CREATE TABLE redactions (
			target_event_id    TEXT NOT NULL,
			redaction_event_id TEXT NOT NULL,
			sender             TEXT NOT NULL,
			authorized         INTEGER NOT NULL,
			PRIMARY KEY (target_event_id, redaction_event_id)
		);
	`,
}}

// Config holds the dependencies of a Store.
type Config struct {
	Pool     *sqlitepool.Pool
	Interner *shortid.Interner
	Logger   *slog.Logger

	// CacheSize is the number of decoded events kept in memory.
	CacheSize int
}

// Store reads and writes events.
type Store struct {
	pool     *sqlitepool.Pool
	interner *shortid.Interner
	logger   *slog.Logger

	// events caches decoded events by NID. Only committed rows are
	// cached; redaction evicts the target.
	events *lrucache.Cache[shortid.ID, *pdu.Event]
}

// Open creates the event tables if needed and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("eventstore: Pool is required")
	}
	if cfg.Interner == nil {
		return nil, fmt.Errorf("eventstore: Interner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Pool.Migrate(ctx, "eventstore", migrations); err != nil {
		return nil, err
	}
	return &Store{
		pool:     cfg.Pool,
		interner: cfg.Interner,
		logger:   logger,
		events:   lrucache.New[shortid.ID, *pdu.Event](cfg.CacheSize),
	}, nil
}

// Interner returns the interner the store resolves IDs through.
func (s *Store) Interner() *shortid.Interner { return s.interner }

// Intern assigns the short IDs an event row needs. Call it before
// opening the write transaction that appends the event.
func (s *Store) Intern(ctx context.Context, event *pdu.Event) (Interned, error) {
	var ids Interned
	var err error
	if ids.Event, err = s.interner.Intern(ctx, event.EventID.String()); err != nil {
		return Interned{}, err
	}
	if ids.Room, err = s.interner.Intern(ctx, event.RoomID.String()); err != nil {
		return Interned{}, err
	}
	if ids.Sender, err = s.interner.Intern(ctx, event.Sender.String()); err != nil {
		return Interned{}, err
	}
	if event.IsState() {
		tuple := event.StateTuple()
		if ids.StateKey, err = s.interner.InternStateKey(ctx, tuple.Type, tuple.StateKey); err != nil {
			return Interned{}, err
		}
	}
	return ids, nil
}

// Append interns and stores an event in its own transaction.
func (s *Store) Append(ctx context.Context, event *pdu.Event, options AppendOptions) (Interned, error) {
	ids, err := s.Intern(ctx, event)
	if err != nil {
		return Interned{}, storeError("intern", err)
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.AppendTx(conn, event, ids, options)
	})
	return ids, storeError("append", err)
}
