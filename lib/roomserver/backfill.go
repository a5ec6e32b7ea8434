// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// backfill fetches the wanted events, grouped by the server to ask,
// and runs each through the pipeline. Fetched events that are outliers
// themselves have their own missing ancestors fetched in the next
// generation, up to MaxBackfillDepth generations. Any fetch failure
// other than a permanent one schedules a retry. It returns the events
// placed, in order.
//
// backfill never fails the submission that triggered it: the outlier
// is already stored, and errors are logged.
func (s *Server) backfill(ctx context.Context, r *room, wanted map[ref.ServerName][]ref.EventID) []ref.EventID {
	if s.config.Fetcher == nil {
		return nil
	}
	var (
		placed    []ref.EventID
		requested = make(map[ref.EventID]bool)
		retry     bool
	)
	for generation := 0; len(wanted) > 0; generation++ {
		if generation == s.config.MaxBackfillDepth {
			s.logger.Warn("backfill depth limit reached",
				"room_id", r.id, "depth", generation, "still_missing", countIDs(wanted))
			break
		}
		next := make(map[ref.ServerName][]ref.EventID)
		for _, origin := range slices.SortedFunc(maps.Keys(wanted), compareServers) {
			var ids []ref.EventID
			for _, id := range wanted[origin] {
				if !requested[id] {
					requested[id] = true
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				continue
			}

			fetched, err := s.fetch(ctx, r.id, origin, ids)
			if err != nil {
				s.logger.Warn("backfill fetch failed",
					"room_id", r.id, "origin", origin, "requested", len(ids), "fetched", len(fetched), "error", err)
				if !permanent(err) {
					retry = true
				}
			}
			for _, event := range fetched {
				outcome, err := s.admit(ctx, event)
				if err != nil {
					s.logger.Error("storing backfilled event failed",
						"room_id", r.id, "event_id", event.EventID, "error", err)
					retry = true
					continue
				}
				switch {
				case outcome.Duplicate:
				case outcome.Status == eventstore.StatusOutlier:
					next[event.Origin()] = append(next[event.Origin()], outcome.Missing...)
				default:
					placed = append(placed, event.EventID)
					cascaded, err := s.cascade(ctx, r, event.EventID)
					placed = append(placed, cascaded...)
					if err != nil {
						s.logger.Error("outlier cascade failed",
							"room_id", r.id, "event_id", event.EventID, "error", err)
						retry = true
					}
				}
			}
		}
		wanted = next
	}
	if retry {
		s.scheduleRetry(r)
	} else {
		r.retry.attempt = 0
	}
	return placed
}

// fetch asks origin for ids and parses what comes back. Events that are
// malformed or belong to another room are dropped.
func (s *Server) fetch(ctx context.Context, roomID ref.RoomID, origin ref.ServerName, ids []ref.EventID) ([]*pdu.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()
	raws, fetchErr := s.config.Fetcher.FetchMissing(fetchCtx, roomID, origin, ids)

	events := make([]*pdu.Event, 0, len(raws))
	for _, raw := range raws {
		event, err := pdu.Parse(raw)
		if err != nil {
			s.logger.Warn("dropping malformed backfilled event", "room_id", roomID, "origin", origin, "error", err)
			continue
		}
		if event.RoomID != roomID {
			s.logger.Warn("dropping backfilled event from another room",
				"room_id", roomID, "event_id", event.EventID, "event_room_id", event.RoomID, "origin", origin)
			continue
		}
		events = append(events, event)
	}
	// Ancestors first, so that a batch holding a whole chain integrates
	// without going through the outlier table.
	slices.SortFunc(events, func(a, b *pdu.Event) int {
		return cmp.Or(cmp.Compare(a.Depth, b.Depth), a.EventID.Compare(b.EventID))
	})
	return events, fetchErr
}

// retryBackfill resumes any interrupted cascade in the room, then
// fetches every missing ancestor recorded for it.
func (s *Server) retryBackfill(ctx context.Context, r *room) []ref.EventID {
	placed, err := s.cascade(ctx, r)
	if err != nil {
		s.logger.Error("outlier cascade failed", "room_id", r.id, "error", err)
		s.scheduleRetry(r)
		return placed
	}
	edges, err := s.events.MissingEdges(ctx, r.id)
	if err != nil {
		s.logger.Error("reading missing edges failed", "room_id", r.id, "error", err)
		s.scheduleRetry(r)
		return placed
	}
	if len(edges) == 0 {
		r.retry.attempt = 0
		return placed
	}
	wanted := make(map[ref.ServerName][]ref.EventID)
	for _, edge := range edges {
		wanted[edge.Origin] = append(wanted[edge.Origin], edge.Missing)
	}
	return append(placed, s.backfill(ctx, r, wanted)...)
}

// scheduleRetry arms the room's backfill retry timer with exponential
// backoff, unless one is already pending.
func (s *Server) scheduleRetry(r *room) {
	if r.retry.timer != nil || s.config.Fetcher == nil {
		return
	}
	delay := backoff(s.config.BackfillRetryMin, s.config.BackfillRetryMax, r.retry.attempt)
	r.retry.attempt++
	s.logger.Debug("backfill retry scheduled", "room_id", r.id, "delay", delay, "attempt", r.retry.attempt)

	roomID := r.id
	var fire func()
	fire = func() {
		err := s.enqueue(roomID, task{kind: taskRetryBackfill, ctx: s.ctx})
		if errors.Is(err, ErrRoomBusy) {
			// The room has plenty to do; its next submission or the
			// next attempt will get to the gaps.
			s.clock.AfterFunc(delay, fire)
		}
	}
	r.retry.timer = s.clock.AfterFunc(delay, fire)
}

// backoff returns floor << attempt, capped at ceiling.
func backoff(floor, ceiling time.Duration, attempt int) time.Duration {
	delay := floor
	for range attempt {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}

// permanent reports whether every failure joined in err is permanent.
func permanent(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if !permanent(inner) {
				return false
			}
		}
		return true
	}
	return federation.IsPermanent(err)
}

func compareServers(a, b ref.ServerName) int {
	return cmp.Compare(a.String(), b.String())
}

func countIDs(wanted map[ref.ServerName][]ref.EventID) int {
	n := 0
	for _, ids := range wanted {
		n += len(ids)
	}
	return n
}
