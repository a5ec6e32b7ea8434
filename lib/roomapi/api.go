// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomapi

import (
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/roomserver"
	"github.com/bureau-foundation/roomserver/lib/version"
)

// Action names.
const (
	ActionStatus      = "status"
	ActionSubmit      = "submit"
	ActionTimeline    = "timeline"
	ActionState       = "state"
	ActionExtremities = "extremities"
	ActionEvent       = "event"
)

// MaxTimelineLimit caps the entries one timeline request returns.
const MaxTimelineLimit = 1000

// StatusResponse is returned by the status action.
type StatusResponse struct {
	ServerName  string        `cbor:"server_name,omitempty"`
	Build       version.Build `cbor:"build"`
	Rooms       []RoomSummary `cbor:"rooms"`
	ActiveRooms int           `cbor:"active_rooms"`
	Subscribers int           `cbor:"subscribers"`
}

// RoomSummary describes one room with accepted events.
type RoomSummary struct {
	RoomID      string `cbor:"room_id"`
	StateGroup  uint64 `cbor:"state_group"`
	Extremities int    `cbor:"extremities"`
}

// SubmitRequest carries events in wire JSON, applied in order.
type SubmitRequest struct {
	// Origin names the server the events came from, for logging.
	Origin string   `cbor:"origin,omitempty"`
	Events [][]byte `cbor:"events"`
}

// SubmitResponse holds one result per submitted event, in order.
type SubmitResponse struct {
	Results []Outcome `cbor:"results"`
}

// Outcome is the wire form of roomserver.Outcome. Error is set instead
// of the other fields when the event could not be submitted at all.
type Outcome struct {
	EventID    string   `cbor:"event_id,omitempty"`
	Status     string   `cbor:"status,omitempty"`
	Duplicate  bool     `cbor:"duplicate,omitempty"`
	Reason     string   `cbor:"reason,omitempty"`
	StateGroup uint64   `cbor:"state_group,omitempty"`
	Missing    []string `cbor:"missing,omitempty"`
	Cascaded   []string `cbor:"cascaded,omitempty"`
	Error      string   `cbor:"error,omitempty"`
	Retryable  bool     `cbor:"retryable,omitempty"`
}

// NewOutcome converts a submission result.
func NewOutcome(outcome roomserver.Outcome, err error) Outcome {
	wire := Outcome{EventID: outcome.EventID.String()}
	if err != nil {
		wire.Error = err.Error()
		wire.Retryable = roomserver.IsRetryable(err)
		return wire
	}
	wire.Status = outcome.Status.String()
	wire.Duplicate = outcome.Duplicate
	wire.Reason = outcome.Reason
	wire.StateGroup = uint64(outcome.StateGroup)
	for _, id := range outcome.Missing {
		wire.Missing = append(wire.Missing, id.String())
	}
	for _, id := range outcome.Cascaded {
		wire.Cascaded = append(wire.Cascaded, id.String())
	}
	return wire
}

// RoomRequest names a room. Used by the state and extremities actions.
type RoomRequest struct {
	RoomID string `cbor:"room_id"`
}

// TimelineRequest asks for a room's events after a sync token.
type TimelineRequest struct {
	RoomID string `cbor:"room_id"`
	Since  string `cbor:"since,omitempty"`
	// Limit of zero selects MaxTimelineLimit.
	Limit int `cbor:"limit,omitempty"`
}

// TimelineResponse returns events in timeline order and the token to
// resume after the last of them. Next equals the request's Since when
// no events were returned.
type TimelineResponse struct {
	Events []TimelineEvent `cbor:"events"`
	Next   string          `cbor:"next"`
}

// TimelineEvent is one timeline entry.
type TimelineEvent struct {
	Depth int64  `cbor:"depth"`
	JSON  []byte `cbor:"json"`
}

// StateResponse returns a room's current state.
type StateResponse struct {
	StateGroup uint64 `cbor:"state_group"`
	// Events are ordered by event type, then state key.
	Events [][]byte `cbor:"events"`
}

// EventRequest names one event.
type EventRequest struct {
	EventID string `cbor:"event_id"`
}

// EventResponse is the stored record of one event.
type EventResponse struct {
	Status     string `cbor:"status"`
	StateGroup uint64 `cbor:"state_group,omitempty"`
	Rejection  string `cbor:"rejection,omitempty"`
	Redacted   bool   `cbor:"redacted,omitempty"`
	JSON       []byte `cbor:"json"`
}

// NewEventResponse converts a stored record.
func NewEventResponse(record *eventstore.Record) EventResponse {
	return EventResponse{
		Status:     record.Status.String(),
		StateGroup: uint64(record.StateGroup),
		Rejection:  record.Rejection,
		Redacted:   record.Redacted,
		JSON:       record.Event.JSON(),
	}
}
