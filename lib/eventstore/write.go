// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/compress"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
)

// AppendOptions describes how a new event enters the store.
type AppendOptions struct {
	Status     Status
	StateGroup stategroup.ID
	Rejection  string

	// Missing lists the prev events an outlier is waiting for. Each
	// becomes an outlier edge so that the outlier can be found when
	// the missing event is integrated.
	Missing []ref.EventID
}

// AppendTx stores event on conn, which must hold a write transaction.
// It returns ErrDuplicateEvent if the event ID is already stored.
// A pending redaction targeting the event is applied in the same
// transaction.
func (s *Store) AppendTx(conn *sqlite.Conn, event *pdu.Event, ids Interned, options AppendOptions) error {
	raw := event.JSON()
	tag, blob, err := compress.Encode(raw, compress.TagZstd)
	if err != nil {
		return storeError("append", err)
	}
	var stateKey any
	if event.IsState() {
		stateKey = int64(ids.StateKey)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO events (
			event_nid, position, room_nid, sender_nid, event_type, state_key_nid,
			depth, origin_server_ts, status, state_group, rejection,
			compression, raw_size, json
		) VALUES (
			?, (SELECT COALESCE(MAX(position), 0) + 1 FROM events), ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?
		) ON CONFLICT(event_nid) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{
			int64(ids.Event), int64(ids.Room), int64(ids.Sender), string(event.Type), stateKey,
			event.Depth, event.OriginServerTS, int64(options.Status), int64(options.StateGroup), options.Rejection,
			int64(tag), len(raw), blob,
		}})
	if err != nil {
		return storeError("append", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, event.EventID)
	}

	if options.Status == StatusOutlier {
		origin := event.Origin().String()
		for _, missing := range options.Missing {
			if err := sqlitex.Execute(conn,
				`INSERT INTO outlier_edges (missing_event_id, event_nid, room_nid, origin) VALUES (?, ?, ?, ?)
				 ON CONFLICT DO NOTHING`,
				&sqlitex.ExecOptions{Args: []any{missing.String(), int64(ids.Event), int64(ids.Room), origin}}); err != nil {
				return storeError("append outlier edge", err)
			}
		}
	}

	if err := s.applyPendingRedactionTx(conn, event, ids.Event); err != nil {
		return err
	}
	s.logger.Debug("event appended",
		"event_id", event.EventID,
		"room_id", event.RoomID,
		"status", options.Status,
		"state_group", options.StateGroup,
	)
	return nil
}

// PlaceTx moves a stored outlier into the graph with the given status
// and state group, and drops its outlier edges.
func (s *Store) PlaceTx(conn *sqlite.Conn, nid shortid.ID, status Status, group stategroup.ID, rejection string) error {
	if status == StatusOutlier {
		return fmt.Errorf("eventstore: cannot place event %d as an outlier", nid)
	}
	err := sqlitex.Execute(conn,
		`UPDATE events SET status = ?, state_group = ?, rejection = ? WHERE event_nid = ? AND status = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(status), int64(group), rejection, int64(nid), int64(StatusOutlier)}})
	if err != nil {
		return storeError("place", err)
	}
	if conn.Changes() == 0 {
		return storeError("place", fmt.Errorf("event %d is not a stored outlier", nid))
	}
	err = sqlitex.Execute(conn, `DELETE FROM outlier_edges WHERE event_nid = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(nid)}})
	return storeError("place", err)
}

// RecordRedactionTx registers redaction against its target. authorized
// is whether the redaction's sender held the redact power level in the
// redaction's own state. Every redaction of a target is kept: the
// target is redacted once any of them is from the same room and either
// is authorized or shares the target's sender. Until the target
// arrives, the redactions wait for it.
func (s *Store) RecordRedactionTx(conn *sqlite.Conn, redaction *pdu.Event, authorized bool) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO redactions (target_event_id, redaction_event_id, sender, authorized)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target_event_id, redaction_event_id) DO UPDATE SET authorized = MAX(authorized, excluded.authorized)`,
		&sqlitex.ExecOptions{Args: []any{
			redaction.Redacts.String(), redaction.EventID.String(), redaction.Sender.String(), boolInt(authorized),
		}})
	if err != nil {
		return storeError("record redaction", err)
	}

	targetNID, found, err := s.interner.LookupTx(conn, redaction.Redacts.String())
	if err != nil {
		return storeError("record redaction", err)
	}
	if !found {
		return nil
	}
	target, err := s.loadTx(conn, targetNID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if target.Redacted {
		return nil
	}
	return s.applyPendingRedactionTx(conn, target.Event, targetNID)
}

type pendingRedaction struct {
	redactionID string
	sender      string
	authorized  bool
}

// applyPendingRedactionTx redacts event with the first recorded
// redaction, in event ID order, that permits it. A redaction from
// another room is never applied.
func (s *Store) applyPendingRedactionTx(conn *sqlite.Conn, event *pdu.Event, nid shortid.ID) error {
	var pending []pendingRedaction
	err := sqlitex.Execute(conn,
		`SELECT redaction_event_id, sender, authorized FROM redactions
		 WHERE target_event_id = ? ORDER BY redaction_event_id`,
		&sqlitex.ExecOptions{
			Args: []any{event.EventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pending = append(pending, pendingRedaction{
					redactionID: stmt.ColumnText(0),
					sender:      stmt.ColumnText(1),
					authorized:  stmt.ColumnInt64(2) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return storeError("check redactions", err)
	}

	for _, candidate := range pending {
		if !candidate.authorized && candidate.sender != event.Sender.String() {
			continue
		}
		redactionNID, found, err := s.interner.LookupTx(conn, candidate.redactionID)
		if err != nil {
			return storeError("check redactions", err)
		}
		if !found {
			continue
		}
		redaction, err := s.loadTx(conn, redactionNID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if redaction.Event.RoomID != event.RoomID {
			s.logger.Warn("ignoring cross-room redaction",
				"redaction_id", candidate.redactionID,
				"target_id", event.EventID,
			)
			continue
		}
		return s.redactTx(conn, event, nid, candidate.redactionID)
	}
	return nil
}

func (s *Store) redactTx(conn *sqlite.Conn, event *pdu.Event, nid shortid.ID, redactionID string) error {
	redacted, err := event.Redact()
	if err != nil {
		return storeError("redact", err)
	}
	raw := redacted.JSON()
	tag, blob, err := compress.Encode(raw, compress.TagZstd)
	if err != nil {
		return storeError("redact", err)
	}
	err = sqlitex.Execute(conn,
		`UPDATE events SET json = ?, compression = ?, raw_size = ?, redacted_by = ?
		 WHERE event_nid = ? AND redacted_by IS NULL`,
		&sqlitex.ExecOptions{Args: []any{blob, int64(tag), len(raw), redactionID, int64(nid)}})
	if err != nil {
		return storeError("redact", err)
	}
	s.events.Remove(nid)
	s.logger.Info("event redacted", "event_id", event.EventID, "redaction_id", redactionID)
	return nil
}

func boolInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
