// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
)

// Cursor is a position in a room timeline: the last entry delivered.
// The zero Cursor is the start of the timeline.
type Cursor struct {
	Depth   int64  `cbor:"d"`
	EventID string `cbor:"e"`
}

// IsZero reports whether c is the start of the timeline.
func (c Cursor) IsZero() bool { return c.Depth == 0 && c.EventID == "" }

// Token encodes c as an opaque string for collaborators. The zero
// Cursor encodes as "".
func (c Cursor) Token() string {
	if c.IsZero() {
		return ""
	}
	data, err := codec.Marshal(c)
	if err != nil {
		// A struct of an int and a string always encodes.
		panic(fmt.Sprintf("timeline: encoding cursor: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseToken decodes a token produced by Cursor.Token.
func ParseToken(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("timeline: malformed token: %w", err)
	}
	var cursor Cursor
	if err := codec.Unmarshal(data, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("timeline: malformed token: %w", err)
	}
	if cursor.EventID == "" {
		return Cursor{}, fmt.Errorf("timeline: malformed token: no event ID")
	}
	return cursor, nil
}

// Entry is one event in a room timeline.
type Entry struct {
	EventID  ref.EventID
	EventNID shortid.ID
	Depth    int64
}

// Cursor returns the cursor positioned at e, from which TimelineSince
// continues with the following entry.
func (e Entry) Cursor() Cursor { return Cursor{Depth: e.Depth, EventID: e.EventID.String()} }

// TimelineSince yields a room's timeline entries after cursor in
// (depth, event_id) order. The sequence is lazy and finite: rows are
// read a page at a time with the connection released between pages,
// and it ends at the last entry stored when the final page was read.
// Restart it from the Cursor of the last entry received.
func (t *Tracker) TimelineSince(ctx context.Context, roomID ref.RoomID, cursor Cursor) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		roomNID, found, err := t.interner.Lookup(ctx, roomID.String())
		if err != nil {
			yield(Entry{}, fmt.Errorf("timeline: %w", err))
			return
		}
		if !found {
			return
		}
		position := cursor
		for {
			page, err := t.page(ctx, roomNID, position)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				position = entry.Cursor()
			}
			if len(page) < t.pageSize {
				return
			}
		}
	}
}

func (t *Tracker) page(ctx context.Context, roomNID shortid.ID, after Cursor) ([]Entry, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer t.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT event_id, event_nid, depth FROM timeline
		WHERE room_nid = ? AND (depth > ? OR (depth = ? AND event_id > ?))
		ORDER BY depth, event_id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(roomNID), after.Depth, after.Depth, after.EventID, t.pageSize},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				entries = append(entries, Entry{
					EventID:  id,
					EventNID: shortid.ID(stmt.ColumnInt64(1)),
					Depth:    stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("timeline: reading page of room %d: %w", roomNID, err)
	}
	return entries, nil
}
