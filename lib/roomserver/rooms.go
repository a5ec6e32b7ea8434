// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

type taskKind uint8

const (
	taskSubmit taskKind = iota
	taskRetryBackfill
)

// task is one unit of work for a room worker.
type task struct {
	kind  taskKind
	ctx   context.Context
	event *pdu.Event
	done  chan result // buffered; nil for background tasks
}

type result struct {
	outcome Outcome
	err     error
}

func (t task) finish(outcome Outcome, err error) {
	if t.done != nil {
		t.done <- result{outcome: outcome, err: err}
	}
}

// room is the worker that owns every mutation of one room. Its
// goroutine is the room's exclusive section: submissions, cascades, and
// backfill fetches for the room all run there, one at a time.
type room struct {
	id     ref.RoomID
	queue  chan task
	exited chan struct{}

	// mu orders enqueue against retirement.
	mu      sync.Mutex
	retired bool

	// Owned by the worker goroutine.
	lastActive time.Time
	retry      struct {
		timer   *clock.Timer
		attempt int
	}
}

// roomFor returns the live worker for roomID, starting one if needed.
func (s *Server) roomFor(roomID ref.RoomID) (*room, error) {
	if value, ok := s.rooms.Load(roomID); ok {
		return value.(*room), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if value, ok := s.rooms.Load(roomID); ok {
		return value.(*room), nil
	}
	r := &room{
		id:     roomID,
		queue:  make(chan task, s.config.QueueDepth),
		exited: make(chan struct{}),
	}
	s.rooms.Store(roomID, r)
	s.workers.Add(1)
	go s.run(r)
	return r, nil
}

// enqueue hands t to the room's worker without blocking.
func (s *Server) enqueue(roomID ref.RoomID, t task) error {
	for {
		r, err := s.roomFor(roomID)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if r.retired {
			// The worker exited between Load and Lock; start another.
			r.mu.Unlock()
			continue
		}
		select {
		case r.queue <- t:
			r.mu.Unlock()
			return nil
		default:
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRoomBusy, roomID)
		}
	}
}

// Submit runs event through the room's pipeline and returns the result.
// It returns ErrRoomBusy at once if the room's queue is full. If ctx
// ends while the event is queued or in progress, Submit returns the
// context error; the event is then either fully applied or not at all.
func (s *Server) Submit(ctx context.Context, event *pdu.Event) (Outcome, error) {
	done := make(chan result, 1)
	err := s.enqueue(event.RoomID, task{kind: taskSubmit, ctx: ctx, event: event, done: done})
	if err != nil {
		return Outcome{EventID: event.EventID}, err
	}
	select {
	case res := <-done:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{EventID: event.EventID}, ctx.Err()
	}
}

// SubmitJSON parses raw and submits it. A malformed event is logged
// with the server that sent it and returned as a *pdu.MalformedError;
// nothing is stored.
func (s *Server) SubmitJSON(ctx context.Context, origin ref.ServerName, raw []byte) (Outcome, error) {
	event, err := pdu.Parse(raw)
	if err != nil {
		s.logger.Warn("dropping malformed event", "origin", origin, "error", err)
		return Outcome{}, err
	}
	return s.Submit(ctx, event)
}

func (s *Server) run(r *room) {
	defer s.workers.Done()
	defer close(r.exited)

	timeout := s.config.RoomIdleTimeout
	idle := make(chan struct{}, 1)
	var idleTimer *clock.Timer
	arm := func(d time.Duration) {
		idleTimer = s.clock.AfterFunc(d, func() {
			select {
			case idle <- struct{}{}:
			default:
			}
		})
	}
	r.lastActive = s.clock.Now()
	arm(timeout)

	for {
		select {
		case <-s.ctx.Done():
			idleTimer.Stop()
			s.shutdown(r)
			return

		case t := <-r.queue:
			r.lastActive = s.clock.Now()
			s.handle(r, t)

		case <-idle:
			quiet := s.clock.Now().Sub(r.lastActive)
			switch {
			case quiet < timeout:
				arm(timeout - quiet)
			case r.retry.timer != nil:
				// A scheduled backfill retry keeps the room alive.
				arm(timeout)
			case s.retire(r):
				s.logger.Debug("room worker idle, exiting", "room_id", r.id)
				return
			default:
				arm(timeout)
			}
		}
	}
}

// retire unregisters r if nothing is queued for it.
func (s *Server) retire(r *room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		return false
	}
	r.retired = true
	s.rooms.CompareAndDelete(r.id, r)
	return true
}

// shutdown unregisters r and fails everything still queued.
func (s *Server) shutdown(r *room) {
	r.mu.Lock()
	r.retired = true
	s.rooms.CompareAndDelete(r.id, r)
	r.mu.Unlock()

	if r.retry.timer != nil {
		r.retry.timer.Stop()
		r.retry.timer = nil
	}
	for {
		select {
		case t := <-r.queue:
			t.finish(Outcome{EventID: eventID(t.event)}, ErrClosed)
		default:
			return
		}
	}
}

func (s *Server) handle(r *room, t task) {
	// Work stops when either the submitter gives up or the server
	// closes.
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	switch t.kind {
	case taskSubmit:
		if s.ctx.Err() != nil {
			t.finish(Outcome{EventID: t.event.EventID}, ErrClosed)
			return
		}
		if err := ctx.Err(); err != nil {
			t.finish(Outcome{EventID: t.event.EventID}, err)
			return
		}
		outcome, err := s.process(ctx, r, t.event)
		t.finish(outcome, err)
	case taskRetryBackfill:
		r.retry.timer = nil
		s.retryBackfill(ctx, r)
	}
}

func eventID(event *pdu.Event) ref.EventID {
	if event == nil {
		return ref.EventID{}
	}
	return event.EventID
}
