// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline tracks, per room, the forward extremities of the
// event graph, the delivery order exposed to sync, and the state group
// of the room's current state.
//
// All mutations happen through the *Tx methods inside the room server's
// single write transaction per accepted event, so the extremity set,
// timeline, and current state group always move together with the
// event row.
package timeline

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
)

var migrations = []sqlitepool.Migration{{
	Version: 1,
	Script: `
		CREATE TABLE forward_extremities (
			room_nid  INTEGER NOT NULL,
			event_nid INTEGER NOT NULL,
			event_id  TEXT NOT NULL,
			PRIMARY KEY (room_nid, event_nid)
		);
		CREATE INDEX forward_extremities_by_id ON forward_extremities (room_nid, event_id);

		CREATE TABLE prev_edges (
			room_nid      INTEGER NOT NULL,
			prev_event_id TEXT NOT NULL,
			event_nid     INTEGER NOT NULL,
			PRIMARY KEY (room_nid, prev_event_id, event_nid)
		) WITHOUT ROWID;

		CREATE TABLE timeline (
			room_nid  INTEGER NOT NULL,
			depth     INTEGER NOT NULL,
			event_id  TEXT NOT NULL,
			event_nid INTEGER NOT NULL,
			PRIMARY KEY (room_nid, depth, event_id)
		) WITHOUT ROWID;

		CREATE TABLE room_state (
			room_nid    INTEGER PRIMARY KEY,
			room_id     TEXT NOT NULL,
			state_group INTEGER NOT NULL
		);
	`,
}}

// Config holds the dependencies of a Tracker.
type Config struct {
	Pool     *sqlitepool.Pool
	Interner *shortid.Interner
	Logger   *slog.Logger

	// PageSize is the number of timeline rows read per query by
	// TimelineSince. Zero selects 256.
	PageSize int
}

// Tracker reads and updates extremities, timelines, and current state.
type Tracker struct {
	pool     *sqlitepool.Pool
	interner *shortid.Interner
	logger   *slog.Logger
	pageSize int
}

// Open creates the timeline tables if needed and returns a Tracker.
func Open(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("timeline: Pool is required")
	}
	if cfg.Interner == nil {
		return nil, fmt.Errorf("timeline: Interner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 256
	}
	if err := cfg.Pool.Migrate(ctx, "timeline", migrations); err != nil {
		return nil, err
	}
	return &Tracker{pool: cfg.Pool, interner: cfg.Interner, logger: logger, pageSize: pageSize}, nil
}

// Extremity is one forward extremity of a room.
type Extremity struct {
	EventID  ref.EventID
	EventNID shortid.ID
}

// OnEventIntegratedTx records an accepted event: its prev events stop
// being extremities, the event becomes one unless an accepted child
// already cites it, and it joins the room's timeline at
// (depth, event_id).
func (t *Tracker) OnEventIntegratedTx(conn *sqlite.Conn, roomNID shortid.ID, event *pdu.Event, eventNID shortid.ID) error {
	for _, prev := range event.PrevEvents {
		err := sqlitex.Execute(conn,
			`DELETE FROM forward_extremities WHERE room_nid = ? AND event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(roomNID), prev.String()}})
		if err != nil {
			return fmt.Errorf("timeline: removing extremity %s: %w", prev, err)
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO prev_edges (room_nid, prev_event_id, event_nid) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{int64(roomNID), prev.String(), int64(eventNID)}})
		if err != nil {
			return fmt.Errorf("timeline: recording prev edge %s: %w", prev, err)
		}
	}

	referenced := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM prev_edges WHERE room_nid = ? AND prev_event_id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{int64(roomNID), event.EventID.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				referenced = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("timeline: checking children of %s: %w", event.EventID, err)
	}
	if referenced {
		t.logger.Debug("accepted event already has a child, not an extremity", "event_id", event.EventID)
	} else {
		err = sqlitex.Execute(conn,
			`INSERT INTO forward_extremities (room_nid, event_nid, event_id) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{int64(roomNID), int64(eventNID), event.EventID.String()}})
		if err != nil {
			return fmt.Errorf("timeline: adding extremity %s: %w", event.EventID, err)
		}
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO timeline (room_nid, depth, event_id, event_nid) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{int64(roomNID), event.Depth, event.EventID.String(), int64(eventNID)}})
	if err != nil {
		return fmt.Errorf("timeline: appending %s: %w", event.EventID, err)
	}
	return nil
}

// ExtremitiesByNID returns the forward extremities of a room in event ID
// order.
func (t *Tracker) ExtremitiesByNID(ctx context.Context, roomNID shortid.ID) ([]Extremity, error) {
	var extremities []Extremity
	err := t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT event_id, event_nid FROM forward_extremities WHERE room_nid = ? ORDER BY event_id`,
			&sqlitex.ExecOptions{
				Args: []any{int64(roomNID)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := ref.ParseEventID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					extremities = append(extremities, Extremity{EventID: id, EventNID: shortid.ID(stmt.ColumnInt64(1))})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: reading extremities of room %d: %w", roomNID, err)
	}
	return extremities, nil
}

// ForwardExtremities returns the event IDs of a room's forward
// extremities in event ID order. A room never seen has none.
func (t *Tracker) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	roomNID, found, err := t.interner.Lookup(ctx, roomID.String())
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	if !found {
		return nil, nil
	}
	extremities, err := t.ExtremitiesByNID(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	ids := make([]ref.EventID, len(extremities))
	for i, extremity := range extremities {
		ids[i] = extremity.EventID
	}
	return ids, nil
}

// SetCurrentStateGroupTx records group as the state of the room after
// its latest accepted event.
func (t *Tracker) SetCurrentStateGroupTx(conn *sqlite.Conn, roomNID shortid.ID, roomID ref.RoomID, group stategroup.ID) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO room_state (room_nid, room_id, state_group) VALUES (?, ?, ?)
		 ON CONFLICT(room_nid) DO UPDATE SET state_group = excluded.state_group`,
		&sqlitex.ExecOptions{Args: []any{int64(roomNID), roomID.String(), int64(group)}})
	if err != nil {
		return fmt.Errorf("timeline: setting current state of %s: %w", roomID, err)
	}
	return nil
}

// CurrentStateGroup returns the state group of a room's current state.
// The second return is false for a room with no accepted events.
func (t *Tracker) CurrentStateGroup(ctx context.Context, roomID ref.RoomID) (stategroup.ID, bool, error) {
	var (
		group stategroup.ID
		found bool
	)
	err := t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT state_group FROM room_state WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					group, found = stategroup.ID(stmt.ColumnInt64(0)), true
					return nil
				},
			})
	})
	if err != nil {
		return 0, false, fmt.Errorf("timeline: reading current state of %s: %w", roomID, err)
	}
	return group, found, nil
}

// RoomSummary describes one room known to the tracker.
type RoomSummary struct {
	RoomID      ref.RoomID
	StateGroup  stategroup.ID
	Extremities int
}

// Rooms lists every room with accepted events, in room ID order.
func (t *Tracker) Rooms(ctx context.Context) ([]RoomSummary, error) {
	var rooms []RoomSummary
	err := t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT r.room_id, r.state_group,
				(SELECT COUNT(*) FROM forward_extremities f WHERE f.room_nid = r.room_nid)
			FROM room_state r ORDER BY r.room_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					rooms = append(rooms, RoomSummary{
						RoomID:      roomID,
						StateGroup:  stategroup.ID(stmt.ColumnInt64(1)),
						Extremities: stmt.ColumnInt(2),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: listing rooms: %w", err)
	}
	return rooms, nil
}
