// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// Outcome is the result of submitting one event.
type Outcome struct {
	EventID ref.EventID
	Status  eventstore.Status

	// Duplicate is set when the event was already stored; Status and
	// StateGroup then describe the stored row and nothing changed.
	Duplicate bool

	// Reason explains a Rejected or SoftFailed status.
	Reason string

	// StateGroup is the state after the event. Zero for outliers.
	StateGroup stategroup.ID

	// Missing lists the ancestors an outlier is still waiting for.
	Missing []ref.EventID

	// Cascaded lists the other events placed into the graph as a
	// consequence of this submission, in the order they were placed:
	// backfilled ancestors and outliers that were waiting on them.
	Cascaded []ref.EventID
}

// process is the pipeline for one submitted event. It runs on the
// room's worker.
func (s *Server) process(ctx context.Context, r *room, event *pdu.Event) (Outcome, error) {
	outcome, err := s.admit(ctx, event)
	if err != nil {
		return outcome, err
	}

	switch {
	case outcome.Duplicate && outcome.Status == eventstore.StatusOutlier:
		// Resubmission is a trigger to try the room's gaps again.
		outcome.Cascaded = s.retryBackfill(ctx, r)
	case outcome.Status == eventstore.StatusOutlier:
		wanted := map[ref.ServerName][]ref.EventID{event.Origin(): outcome.Missing}
		outcome.Cascaded = s.backfill(ctx, r, wanted)
	default:
		// A placed duplicate cascades too: the cascade that followed its
		// first placement may have been cut short.
		outcome.Cascaded, err = s.cascade(ctx, r, event.EventID)
		if err != nil {
			// The event itself is committed. Its waiting outliers keep
			// their edges and are picked up by the next cascade in the
			// room.
			s.logger.Error("outlier cascade failed",
				"room_id", event.RoomID, "event_id", event.EventID, "error", err)
			s.scheduleRetry(r)
		}
	}

	if outcome.Status == eventstore.StatusOutlier && slices.Contains(outcome.Cascaded, event.EventID) {
		// Backfill filled the gaps and the cascade placed this event.
		record, err := s.events.GetRecord(ctx, event.EventID)
		if err != nil {
			return outcome, err
		}
		outcome.Status = record.Status
		outcome.StateGroup = record.StateGroup
		outcome.Reason = record.Rejection
		outcome.Missing = nil
		outcome.Cascaded = slices.DeleteFunc(outcome.Cascaded, func(id ref.EventID) bool { return id == event.EventID })
	}
	return outcome, nil
}

// admit stores event: as an outlier if an ancestor is not yet placed,
// otherwise integrated into the graph. It does not cascade or fetch.
func (s *Server) admit(ctx context.Context, event *pdu.Event) (Outcome, error) {
	outcome := Outcome{EventID: event.EventID}
	existing, err := s.events.GetRecord(ctx, event.EventID)
	switch {
	case err == nil:
		outcome.Duplicate = true
		outcome.Status = existing.Status
		outcome.StateGroup = existing.StateGroup
		outcome.Reason = existing.Rejection
		return outcome, nil
	case !errors.Is(err, eventstore.ErrNotFound):
		return outcome, err
	}

	missing, err := s.missingDependencies(ctx, event)
	if err != nil {
		return outcome, err
	}
	if len(missing) > 0 {
		return s.storeOutlier(ctx, event, missing)
	}
	return s.integrate(ctx, event, false)
}

// missingDependencies returns the prev and auth events of event that
// are not stored or are stored only as outliers, sorted by event ID.
func (s *Server) missingDependencies(ctx context.Context, event *pdu.Event) ([]ref.EventID, error) {
	var missing []ref.EventID
	for _, id := range dependencies(event) {
		record, err := s.events.GetRecord(ctx, id)
		switch {
		case errors.Is(err, eventstore.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return nil, err
		case !record.Status.Placed():
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func dependencies(event *pdu.Event) []ref.EventID {
	ids := slices.Concat(event.PrevEvents, event.AuthEvents)
	slices.SortFunc(ids, ref.EventID.Compare)
	return slices.Compact(ids)
}

func (s *Server) storeOutlier(ctx context.Context, event *pdu.Event, missing []ref.EventID) (Outcome, error) {
	outcome := Outcome{EventID: event.EventID, Status: eventstore.StatusOutlier, Missing: missing}
	_, err := s.events.Append(ctx, event, eventstore.AppendOptions{
		Status:  eventstore.StatusOutlier,
		Missing: missing,
	})
	if err != nil {
		return outcome, err
	}
	s.logger.Info("event stored as outlier",
		"room_id", event.RoomID,
		"event_id", event.EventID,
		"origin", event.Origin(),
		"missing", len(missing),
	)
	return outcome, nil
}

// verdict is the auth decision for an event together with the state
// maps it was made against.
type verdict struct {
	decision  authrules.Decision
	before    statemap.Map
	hint      stategroup.ID
	canRedact bool
}

// integrate places event into the graph. placeOutlier is set when the
// event is already stored as an outlier. Every dependency must be
// placed.
func (s *Server) integrate(ctx context.Context, event *pdu.Event, placeOutlier bool) (Outcome, error) {
	outcome := Outcome{EventID: event.EventID}
	ids, err := s.events.Intern(ctx, event)
	if err != nil {
		return outcome, err
	}
	g := s.graph().withPending(event, ids.Event)

	v, err := s.authorize(ctx, g, event)
	if err != nil {
		return outcome, err
	}

	var status eventstore.Status
	switch v.decision.Verdict {
	case authrules.Allowed:
		status = eventstore.StatusIntegrated
	case authrules.SoftFailed:
		status = eventstore.StatusSoftFailed
	default:
		status = eventstore.StatusRejected
	}

	after := v.before
	if status != eventstore.StatusRejected && event.IsState() {
		after = v.before.With(ids.StateKey, ids.Event)
	}

	current := after
	if status == eventstore.StatusIntegrated {
		current, err = s.stateAfterExtremities(ctx, g, event, ids.Room, after)
		if err != nil {
			return outcome, err
		}
	}

	var group stategroup.ID
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		group, err = s.states.GetOrCreateTx(conn, after, v.hint)
		if err != nil {
			return err
		}
		if placeOutlier {
			err = s.events.PlaceTx(conn, ids.Event, status, group, v.decision.Reason)
		} else {
			err = s.events.AppendTx(conn, event, ids, eventstore.AppendOptions{
				Status:     status,
				StateGroup: group,
				Rejection:  v.decision.Reason,
			})
		}
		if err != nil {
			return err
		}
		if status != eventstore.StatusIntegrated {
			return nil
		}

		if event.Kind() == pdu.KindRedaction {
			if err := s.events.RecordRedactionTx(conn, event, v.canRedact); err != nil {
				return err
			}
		}
		if err := s.timeline.OnEventIntegratedTx(conn, ids.Room, event, ids.Event); err != nil {
			return err
		}
		currentGroup := group
		if !current.Equal(after) {
			if currentGroup, err = s.states.GetOrCreateTx(conn, current, group); err != nil {
				return err
			}
		}
		return s.timeline.SetCurrentStateGroupTx(conn, ids.Room, event.RoomID, currentGroup)
	})
	if err != nil {
		return outcome, fmt.Errorf("roomserver: writing %s: %w", event.EventID, err)
	}

	outcome.Status = status
	outcome.StateGroup = group
	outcome.Reason = v.decision.Reason
	s.logger.Debug("event placed",
		"room_id", event.RoomID,
		"event_id", event.EventID,
		"status", status,
		"state_group", group,
	)
	if status != eventstore.StatusIntegrated {
		s.logger.Info("event not integrated",
			"room_id", event.RoomID,
			"event_id", event.EventID,
			"origin", event.Origin(),
			"status", status,
			"reason", v.decision.Reason,
		)
	}
	if status == eventstore.StatusIntegrated {
		s.publish(event)
	}
	return outcome, nil
}

// authorize computes the state before event from its prev events and
// checks event against its auth events, that state, and the room's
// current state.
func (s *Server) authorize(ctx context.Context, g *graph, event *pdu.Event) (verdict, error) {
	var (
		v         verdict
		inputs    []statemap.Map
		seen      = make(map[stategroup.ID]bool)
		crossRoom authrules.Decision
	)
	// A prev event from another room rejects event, but only after the
	// state before it is resolved from its same-room prev events, so
	// that the rejected event still records that state.
	for _, id := range event.PrevEvents {
		prev, err := s.events.GetRecord(ctx, id)
		if err != nil {
			return v, err
		}
		if prev.Event.RoomID != event.RoomID {
			if crossRoom.Reason == "" {
				crossRoom = rejected("prev event %s belongs to room %s", id, prev.Event.RoomID)
			}
			continue
		}
		if v.hint == 0 {
			v.hint = prev.StateGroup
		}
		if seen[prev.StateGroup] {
			continue
		}
		seen[prev.StateGroup] = true
		state, err := s.states.Materialize(ctx, prev.StateGroup)
		if err != nil {
			return v, err
		}
		inputs = append(inputs, state)
	}
	before, err := s.resolver.Resolve(ctx, g, inputs)
	if err != nil {
		return v, fmt.Errorf("roomserver: resolving state before %s: %w", event.EventID, err)
	}
	v.before = before
	if crossRoom.Reason != "" {
		v.decision = crossRoom
		return v, nil
	}

	authEvents := make([]*pdu.Event, 0, len(event.AuthEvents))
	for _, id := range event.AuthEvents {
		record, err := s.events.GetRecord(ctx, id)
		if err != nil {
			return v, err
		}
		switch {
		case record.Event.RoomID != event.RoomID:
			v.decision = rejected("auth event %s belongs to room %s", id, record.Event.RoomID)
			return v, nil
		case record.Status == eventstore.StatusRejected:
			v.decision = rejected("auth event %s was rejected", id)
			return v, nil
		}
		authEvents = append(authEvents, record.Event)
	}

	currentGroup, hasCurrent, err := s.timeline.CurrentStateGroup(ctx, event.RoomID)
	if err != nil {
		return v, err
	}
	if event.Type == schema.MatrixEventTypeCreate && hasCurrent {
		v.decision = rejected("room %s already has a create event", event.RoomID)
		return v, nil
	}

	beforeView := &stateView{ctx: ctx, graph: g, state: before}
	var current authrules.AuthState
	var currentView *stateView
	if hasCurrent {
		currentState, err := s.states.Materialize(ctx, currentGroup)
		if err != nil {
			return v, err
		}
		currentView = &stateView{ctx: ctx, graph: g, state: currentState}
		current = currentView
	}

	v.decision = authrules.CheckAuthEvents(event, authEvents)
	if v.decision.Allowed() {
		v.decision = authrules.Check(event, authrules.AuthStateFromEvents(authEvents))
	}
	if v.decision.Allowed() {
		v.decision = authrules.CheckAgainstCurrent(event, beforeView, current)
	}
	if event.Kind() == pdu.KindRedaction && v.decision.Allowed() {
		v.canRedact = authrules.CanRedact(event, beforeView)
	}
	if beforeView.err != nil {
		return v, fmt.Errorf("roomserver: reading state before %s: %w", event.EventID, beforeView.err)
	}
	if currentView != nil && currentView.err != nil {
		return v, fmt.Errorf("roomserver: reading current state of %s: %w", event.RoomID, currentView.err)
	}
	return v, nil
}

func rejected(format string, args ...any) authrules.Decision {
	return authrules.Decision{Verdict: authrules.Rejected, Reason: fmt.Sprintf(format, args...)}
}

// stateAfterExtremities resolves the room's state once event replaces
// its prev events among the forward extremities.
func (s *Server) stateAfterExtremities(ctx context.Context, g *graph, event *pdu.Event, roomNID shortid.ID, after statemap.Map) (statemap.Map, error) {
	extremities, err := s.timeline.ExtremitiesByNID(ctx, roomNID)
	if err != nil {
		return statemap.Map{}, err
	}
	inputs := []statemap.Map{after}
	for _, extremity := range extremities {
		if slices.Contains(event.PrevEvents, extremity.EventID) {
			continue
		}
		record, err := s.events.Load(ctx, extremity.EventNID)
		if err != nil {
			return statemap.Map{}, err
		}
		state, err := s.states.Materialize(ctx, record.StateGroup)
		if err != nil {
			return statemap.Map{}, err
		}
		inputs = append(inputs, state)
	}
	current, err := s.resolver.Resolve(ctx, g, inputs)
	if err != nil {
		return statemap.Map{}, fmt.Errorf("roomserver: resolving current state of %s: %w", event.RoomID, err)
	}
	return current, nil
}

// cascade places every outlier that was waiting, directly or through
// other outliers, on the events placed, lowest (depth, event_id) first.
// Outliers still waiting on an ancestor that an earlier, interrupted
// cascade left placed are picked up as well. It returns the IDs placed,
// in order.
func (s *Server) cascade(ctx context.Context, r *room, placed ...ref.EventID) ([]ref.EventID, error) {
	stalled, err := s.events.PlacedAncestors(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if len(stalled) > 0 {
		s.logger.Info("resuming interrupted outlier cascade", "room_id", r.id, "ancestors", len(stalled))
	}

	queue := &outlierQueue{}
	queued := make(map[ref.EventID]bool)
	for _, id := range slices.Concat(placed, stalled) {
		if err := s.queueWaiting(ctx, queue, queued, id); err != nil {
			return nil, err
		}
	}

	var integrated []ref.EventID
	for queue.Len() > 0 {
		record := heap.Pop(queue).(*eventstore.Record)
		missing, err := s.missingDependencies(ctx, record.Event)
		if err != nil {
			return integrated, err
		}
		if len(missing) > 0 {
			// Still waiting on another ancestor; its edge to that
			// ancestor remains.
			delete(queued, record.Event.EventID)
			continue
		}
		if _, err := s.integrate(ctx, record.Event, true); err != nil {
			return integrated, err
		}
		integrated = append(integrated, record.Event.EventID)
		if err := s.queueWaiting(ctx, queue, queued, record.Event.EventID); err != nil {
			return integrated, err
		}
	}
	return integrated, nil
}

func (s *Server) queueWaiting(ctx context.Context, queue *outlierQueue, queued map[ref.EventID]bool, placed ref.EventID) error {
	waiting, err := s.events.OutliersWaitingOn(ctx, placed)
	if err != nil {
		return err
	}
	for _, nid := range waiting {
		record, err := s.events.Load(ctx, nid)
		if err != nil {
			return err
		}
		if record.Status != eventstore.StatusOutlier || queued[record.Event.EventID] {
			continue
		}
		queued[record.Event.EventID] = true
		heap.Push(queue, record)
	}
	return nil
}

// outlierQueue orders waiting outliers by (depth, event_id), so that a
// chain of outliers is placed ancestors first.
type outlierQueue []*eventstore.Record

func (q outlierQueue) Len() int { return len(q) }
func (q outlierQueue) Less(i, j int) bool {
	a, b := q[i].Event, q[j].Event
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.EventID.Compare(b.EventID) < 0
}
func (q outlierQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *outlierQueue) Push(x any)   { *q = append(*q, x.(*eventstore.Record)) }
func (q *outlierQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}
