// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomapi"
	"github.com/bureau-foundation/roomserver/lib/roomserver"
	"github.com/bureau-foundation/roomserver/lib/service"
	"github.com/bureau-foundation/roomserver/lib/timeline"
	"github.com/bureau-foundation/roomserver/lib/version"
)

type handlers struct {
	server     *roomserver.Server
	serverName string
}

func register(socket *service.SocketServer, h *handlers) {
	socket.Handle(roomapi.ActionStatus, h.status)
	socket.Handle(roomapi.ActionSubmit, h.submit)
	socket.Handle(roomapi.ActionTimeline, h.timeline)
	socket.Handle(roomapi.ActionState, h.state)
	socket.Handle(roomapi.ActionExtremities, h.extremities)
	socket.Handle(roomapi.ActionEvent, h.event)
}

func decode[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

func (h *handlers) status(ctx context.Context, raw []byte) (any, error) {
	rooms, err := h.server.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	stats := h.server.Stats()
	response := roomapi.StatusResponse{
		ServerName:  h.serverName,
		Build:       version.Current(),
		Rooms:       make([]roomapi.RoomSummary, 0, len(rooms)),
		ActiveRooms: stats.ActiveRooms,
		Subscribers: stats.Subscribers,
	}
	for _, room := range rooms {
		response.Rooms = append(response.Rooms, roomapi.RoomSummary{
			RoomID:      room.RoomID.String(),
			StateGroup:  uint64(room.StateGroup),
			Extremities: room.Extremities,
		})
	}
	return response, nil
}

// submit applies events in order. A failure of one event is reported in
// its result and does not stop the rest.
func (h *handlers) submit(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[roomapi.SubmitRequest](raw)
	if err != nil {
		return nil, err
	}
	if len(request.Events) == 0 {
		return nil, errors.New("events is required")
	}
	var origin ref.ServerName
	if request.Origin != "" {
		if origin, err = ref.ParseServerName(request.Origin); err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
	}

	response := roomapi.SubmitResponse{Results: make([]roomapi.Outcome, 0, len(request.Events))}
	for _, event := range request.Events {
		outcome, err := h.server.SubmitJSON(ctx, origin, event)
		response.Results = append(response.Results, roomapi.NewOutcome(outcome, err))
		if ctx.Err() != nil {
			break
		}
	}
	return response, nil
}

func (h *handlers) timeline(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[roomapi.TimelineRequest](raw)
	if err != nil {
		return nil, err
	}
	roomID, err := ref.ParseRoomID(request.RoomID)
	if err != nil {
		return nil, err
	}
	cursor, err := timeline.ParseToken(request.Since)
	if err != nil {
		return nil, err
	}
	limit := cmp.Or(request.Limit, roomapi.MaxTimelineLimit)
	limit = min(max(limit, 1), roomapi.MaxTimelineLimit)

	response := roomapi.TimelineResponse{Events: []roomapi.TimelineEvent{}, Next: request.Since}
	for entry, err := range h.server.TimelineSince(ctx, roomID, cursor) {
		if err != nil {
			return nil, err
		}
		record, err := h.server.EventByNID(ctx, entry.EventNID)
		if err != nil {
			return nil, err
		}
		response.Events = append(response.Events, roomapi.TimelineEvent{Depth: entry.Depth, JSON: record.Event.JSON()})
		response.Next = entry.Cursor().Token()
		if len(response.Events) == limit {
			break
		}
	}
	return response, nil
}

func (h *handlers) state(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[roomapi.RoomRequest](raw)
	if err != nil {
		return nil, err
	}
	roomID, err := ref.ParseRoomID(request.RoomID)
	if err != nil {
		return nil, err
	}
	group, state, err := h.server.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	events, err := h.server.StateEvents(ctx, state)
	if err != nil {
		return nil, err
	}
	response := roomapi.StateResponse{StateGroup: uint64(group), Events: make([][]byte, 0, len(events))}
	for _, event := range events {
		response.Events = append(response.Events, event.JSON())
	}
	return response, nil
}

func (h *handlers) extremities(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[roomapi.RoomRequest](raw)
	if err != nil {
		return nil, err
	}
	roomID, err := ref.ParseRoomID(request.RoomID)
	if err != nil {
		return nil, err
	}
	ids, err := h.server.ForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	extremities := make([]string, 0, len(ids))
	for _, id := range ids {
		extremities = append(extremities, id.String())
	}
	return extremities, nil
}

func (h *handlers) event(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[roomapi.EventRequest](raw)
	if err != nil {
		return nil, err
	}
	eventID, err := ref.ParseEventID(request.EventID)
	if err != nil {
		return nil, err
	}
	record, err := h.server.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return roomapi.NewEventResponse(record), nil
}
