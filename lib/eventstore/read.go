// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"iter"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/compress"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
)

// pageSize is the number of rows fetched per query by the iterators.
// Connections are returned to the pool between pages, never held across
// a yield.
const pageSize = 128

const recordColumns = `event_nid, status, state_group, rejection, redacted_by IS NOT NULL,
	compression, raw_size, json, position`

func scanRecord(stmt *sqlite.Stmt) (*Record, error) {
	record := &Record{
		NID:        shortid.ID(stmt.ColumnInt64(0)),
		Status:     Status(stmt.ColumnInt64(1)),
		StateGroup: stategroup.ID(stmt.ColumnInt64(2)),
		Rejection:  stmt.ColumnText(3),
		Redacted:   stmt.ColumnInt64(4) != 0,
		Position:   stmt.ColumnInt64(8),
	}
	blob := make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, blob)
	raw, err := compress.Decode(compress.Tag(stmt.ColumnInt64(5)), blob, stmt.ColumnInt(6))
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", record.NID, err)
	}
	if record.Event, err = pdu.Parse(raw); err != nil {
		return nil, fmt.Errorf("event %d: stored JSON no longer parses: %w", record.NID, err)
	}
	return record, nil
}

func (s *Store) loadTx(conn *sqlite.Conn, nid shortid.ID) (*Record, error) {
	var record *Record
	err := sqlitex.Execute(conn, `SELECT `+recordColumns+` FROM events WHERE event_nid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(nid)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				record, err = scanRecord(stmt)
				return err
			},
		})
	if err != nil {
		return nil, storeError("load", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, nid)
	}
	return record, nil
}

func (s *Store) load(ctx context.Context, nid shortid.ID) (*Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeError("load", err)
	}
	defer s.pool.Put(conn)
	return s.loadTx(conn, nid)
}

// GetRecord returns the stored record of id, always read from the
// database so that status and redaction are current.
func (s *Store) GetRecord(ctx context.Context, id ref.EventID) (*Record, error) {
	nid, found, err := s.interner.Lookup(ctx, id.String())
	if err != nil {
		return nil, storeError("get", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	record, err := s.load(ctx, nid)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	return record, nil
}

// Get returns the stored event with id, as currently stored (redacted
// if a redaction has been applied).
func (s *Store) Get(ctx context.Context, id ref.EventID) (*pdu.Event, error) {
	record, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.Event, nil
}

// Event returns the event with short ID nid through the decoded-event
// cache. A cached event may predate a redaction applied since, so it
// serves authorization and resolution, which read nothing redaction
// removes. Anything returned to a client is read with Load or GetRecord.
func (s *Store) Event(ctx context.Context, nid shortid.ID) (*pdu.Event, error) {
	if event, ok := s.events.Get(nid); ok {
		return event, nil
	}
	record, err := s.load(ctx, nid)
	if err != nil {
		return nil, err
	}
	s.events.Add(nid, record.Event)
	return record.Event, nil
}

// EventByID is Event keyed by event ID. It also returns the short ID.
func (s *Store) EventByID(ctx context.Context, id ref.EventID) (*pdu.Event, shortid.ID, error) {
	nid, found, err := s.interner.Lookup(ctx, id.String())
	if err != nil {
		return nil, 0, storeError("get", err)
	}
	if !found {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	event, err := s.Event(ctx, nid)
	if err != nil {
		return nil, 0, err
	}
	return event, nid, nil
}

// pages runs query repeatedly, binding the last seen position as the
// final argument, and yields each record. The query must order by
// position and end with "position > ? ORDER BY position LIMIT n".
func (s *Store) pages(ctx context.Context, query string, args []any, after int64) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		cursor := after
		for {
			var page []*Record
			conn, err := s.pool.Take(ctx)
			if err != nil {
				yield(nil, storeError("scan", err))
				return
			}
			err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append(append([]any(nil), args...), cursor),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := scanRecord(stmt)
					if err != nil {
						return err
					}
					page = append(page, record)
					return nil
				},
			})
			s.pool.Put(conn)
			if err != nil {
				yield(nil, storeError("scan", err))
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
				cursor = record.Position
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// EventsByRoomSince yields every stored event of a room in arrival
// order, starting after position after (0 for the beginning). The
// sequence is lazy: rows are read in pages as the caller advances.
func (s *Store) EventsByRoomSince(ctx context.Context, roomID ref.RoomID, after int64) iter.Seq2[*Record, error] {
	roomNID, found, err := s.interner.Lookup(ctx, roomID.String())
	if err != nil || !found {
		return func(yield func(*Record, error) bool) {
			if err != nil {
				yield(nil, storeError("scan", err))
			}
		}
	}
	return s.pages(ctx,
		`SELECT `+recordColumns+` FROM events
		 WHERE room_nid = ? AND position > ? ORDER BY position LIMIT `+fmt.Sprint(pageSize),
		[]any{int64(roomNID)}, after)
}

// EventsBySender yields a room's events from one sender in arrival
// order after position after.
func (s *Store) EventsBySender(ctx context.Context, roomID ref.RoomID, sender ref.UserID, after int64) iter.Seq2[*Record, error] {
	roomNID, roomFound, err := s.interner.Lookup(ctx, roomID.String())
	var senderNID shortid.ID
	senderFound := false
	if err == nil && roomFound {
		senderNID, senderFound, err = s.interner.Lookup(ctx, sender.String())
	}
	if err != nil || !roomFound || !senderFound {
		return func(yield func(*Record, error) bool) {
			if err != nil {
				yield(nil, storeError("scan", err))
			}
		}
	}
	return s.pages(ctx,
		`SELECT `+recordColumns+` FROM events
		 WHERE room_nid = ? AND sender_nid = ? AND position > ? ORDER BY position LIMIT `+fmt.Sprint(pageSize),
		[]any{int64(roomNID), int64(senderNID)}, after)
}

// StateEventsByKey returns every stored event that has occupied a state
// slot of a room, in arrival order. This includes rejected and outlier
// events; callers filter by status.
func (s *Store) StateEventsByKey(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) ([]*Record, error) {
	roomNID, found, err := s.interner.Lookup(ctx, roomID.String())
	if err != nil {
		return nil, storeError("state by key", err)
	}
	if !found {
		return nil, nil
	}
	keyNID, found, err := s.interner.LookupStateKey(ctx, eventType, stateKey)
	if err != nil {
		return nil, storeError("state by key", err)
	}
	if !found {
		return nil, nil
	}
	var records []*Record
	for record, err := range s.pages(ctx,
		`SELECT `+recordColumns+` FROM events
		 WHERE room_nid = ? AND state_key_nid = ? AND position > ? ORDER BY position LIMIT `+fmt.Sprint(pageSize),
		[]any{int64(roomNID), int64(keyNID)}, 0) {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// OutliersWaitingOnTx returns the short IDs of outliers that recorded
// id as a missing prev event, in ascending order.
func (s *Store) OutliersWaitingOnTx(conn *sqlite.Conn, id ref.EventID) ([]shortid.ID, error) {
	var nids []shortid.ID
	err := sqlitex.Execute(conn,
		`SELECT event_nid FROM outlier_edges WHERE missing_event_id = ? ORDER BY event_nid`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nids = append(nids, shortid.ID(stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, storeError("outliers waiting", err)
	}
	return nids, nil
}

// OutliersWaitingOn is OutliersWaitingOnTx on a pooled connection.
func (s *Store) OutliersWaitingOn(ctx context.Context, id ref.EventID) ([]shortid.ID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeError("outliers waiting", err)
	}
	defer s.pool.Put(conn)
	return s.OutliersWaitingOnTx(conn, id)
}

// Load returns the record with short ID nid, read from the database.
func (s *Store) Load(ctx context.Context, nid shortid.ID) (*Record, error) {
	return s.load(ctx, nid)
}

// MissingEdge is a prev event some outlier of a room is waiting for,
// with the server to ask for it.
type MissingEdge struct {
	Missing ref.EventID
	Origin  ref.ServerName
}

// MissingEdges returns the distinct outlier edges of a room whose
// missing event is not stored at all. Edges whose missing event is
// itself a stored outlier are excluded: fetching it again cannot help.
func (s *Store) MissingEdges(ctx context.Context, roomID ref.RoomID) ([]MissingEdge, error) {
	candidates, err := s.roomEdges(ctx, roomID)
	if err != nil {
		return nil, storeError("missing edges", err)
	}
	var edges []MissingEdge
	for _, edge := range candidates {
		_, found, err := s.status(ctx, edge.Missing)
		if err != nil {
			return nil, storeError("missing edges", err)
		}
		if !found {
			edges = append(edges, edge)
		}
	}
	return edges, nil
}

// PlacedAncestors returns the distinct events that outliers of a room
// recorded as missing but that are now placed in the graph, sorted by
// event ID. Such edges survive only when the cascade that should have
// followed the placement was cut short.
func (s *Store) PlacedAncestors(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	candidates, err := s.roomEdges(ctx, roomID)
	if err != nil {
		return nil, storeError("placed ancestors", err)
	}
	var placed []ref.EventID
	for _, edge := range candidates {
		if len(placed) > 0 && placed[len(placed)-1] == edge.Missing {
			continue
		}
		status, found, err := s.status(ctx, edge.Missing)
		if err != nil {
			return nil, storeError("placed ancestors", err)
		}
		if found && status.Placed() {
			placed = append(placed, edge.Missing)
		}
	}
	return placed, nil
}

// roomEdges returns the distinct (missing event, origin) pairs of a
// room's outlier edges, ordered by missing event ID.
func (s *Store) roomEdges(ctx context.Context, roomID ref.RoomID) ([]MissingEdge, error) {
	roomNID, found, err := s.interner.Lookup(ctx, roomID.String())
	if err != nil || !found {
		return nil, err
	}
	var edges []MissingEdge
	err = s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT DISTINCT missing_event_id, origin FROM outlier_edges WHERE room_nid = ?
			 ORDER BY missing_event_id, origin`,
			&sqlitex.ExecOptions{
				Args: []any{int64(roomNID)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					missing, err := ref.ParseEventID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					origin, err := ref.ParseServerName(stmt.ColumnText(1))
					if err != nil {
						return err
					}
					edges = append(edges, MissingEdge{Missing: missing, Origin: origin})
					return nil
				},
			})
	})
	return edges, err
}

// status returns the stored status of id. The second return is false
// if id is not stored.
func (s *Store) status(ctx context.Context, id ref.EventID) (Status, bool, error) {
	nid, found, err := s.interner.Lookup(ctx, id.String())
	if err != nil || !found {
		return 0, false, err
	}
	var (
		status Status
		stored bool
	)
	err = s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT status FROM events WHERE event_nid = ?`,
			&sqlitex.ExecOptions{
				Args: []any{int64(nid)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					status, stored = Status(stmt.ColumnInt64(0)), true
					return nil
				},
			})
	})
	return status, stored, err
}
