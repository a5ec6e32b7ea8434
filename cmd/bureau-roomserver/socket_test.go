// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/roomapi"
	"github.com/bureau-foundation/roomserver/lib/roomserver"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/service"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

// startRoomServer serves the socket protocol over a fresh database and
// returns a client for it.
func startRoomServer(t *testing.T) *service.ServiceClient {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "roomserver.db")})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	server, err := roomserver.Open(context.Background(), roomserver.Config{Pool: pool})
	if err != nil {
		t.Fatalf("roomserver.Open: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	socketPath := filepath.Join(testutil.SocketDir(t), "roomserver.sock")
	socket := service.NewSocketServer(socketPath, nil)
	register(socket, &handlers{server: server, serverName: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- socket.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "socket server did not stop")
	})
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if t.Context().Err() != nil {
			t.Fatal("socket did not appear")
		}
		runtime.Gosched()
	}
	return service.NewServiceClient(socketPath)
}

func submit(t *testing.T, client *service.ServiceClient, events ...*pdu.Event) []roomapi.Outcome {
	t.Helper()
	var raws [][]byte
	for _, event := range events {
		raws = append(raws, event.JSON())
	}
	var response roomapi.SubmitResponse
	if err := client.Call(context.Background(), roomapi.ActionSubmit, map[string]any{"events": raws}, &response); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(response.Results) != len(events) {
		t.Fatalf("submit returned %d results for %d events", len(response.Results), len(events))
	}
	return response.Results
}

func TestSubmitAndRead(t *testing.T) {
	client := startRoomServer(t)
	ctx := context.Background()
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	base := room.Bootstrap()
	message := room.Message("$hello", "@alice:test", "hello", base[len(base)-1])

	for _, result := range submit(t, client, append(base, message)...) {
		if result.Error != "" || result.Status != "integrated" {
			t.Fatalf("result = %+v", result)
		}
	}

	var extremities []string
	if err := client.Call(ctx, roomapi.ActionExtremities, map[string]any{"room_id": "!room:test"}, &extremities); err != nil {
		t.Fatalf("extremities: %v", err)
	}
	if !slices.Equal(extremities, []string{"$hello"}) {
		t.Errorf("extremities = %v", extremities)
	}

	var state roomapi.StateResponse
	if err := client.Call(ctx, roomapi.ActionState, map[string]any{"room_id": "!room:test"}, &state); err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(state.Events) != 4 || state.StateGroup == 0 {
		t.Errorf("state = group %d with %d events, want 4 events", state.StateGroup, len(state.Events))
	}

	var record roomapi.EventResponse
	if err := client.Call(ctx, roomapi.ActionEvent, map[string]any{"event_id": "$hello"}, &record); err != nil {
		t.Fatalf("event: %v", err)
	}
	if record.Status != "integrated" || string(record.JSON) != string(message.JSON()) {
		t.Errorf("event = %+v", record)
	}

	var status roomapi.StatusResponse
	if err := client.Call(ctx, roomapi.ActionStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Rooms) != 1 || status.Rooms[0].RoomID != "!room:test" || status.ActiveRooms != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestTimelinePaging(t *testing.T) {
	client := startRoomServer(t)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	submit(t, client, room.Bootstrap()...)

	var (
		since string
		got   []int64
	)
	for range 3 {
		var page roomapi.TimelineResponse
		err := client.Call(context.Background(), roomapi.ActionTimeline,
			map[string]any{"room_id": "!room:test", "since": since, "limit": 3}, &page)
		if err != nil {
			t.Fatalf("timeline: %v", err)
		}
		for _, event := range page.Events {
			got = append(got, event.Depth)
		}
		if len(page.Events) == 0 && page.Next != since {
			t.Errorf("empty page moved the token")
		}
		since = page.Next
	}
	if !slices.Equal(got, []int64{1, 2, 3, 4}) {
		t.Errorf("depths = %v, want [1 2 3 4]", got)
	}
}

func TestSubmitReportsPerEventErrors(t *testing.T) {
	client := startRoomServer(t)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	create := room.Create()

	var response roomapi.SubmitResponse
	err := client.Call(context.Background(), roomapi.ActionSubmit, map[string]any{
		"origin": "remote.test",
		"events": [][]byte{[]byte(`{"type": 7}`), create.JSON()},
	}, &response)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if response.Results[0].Error == "" {
		t.Errorf("malformed event accepted: %+v", response.Results[0])
	}
	if response.Results[1].Status != "integrated" {
		t.Errorf("create after malformed event = %+v", response.Results[1])
	}
}

func TestRequestValidation(t *testing.T) {
	client := startRoomServer(t)
	tests := []struct {
		name   string
		action string
		fields map[string]any
	}{
		{"empty submit", roomapi.ActionSubmit, nil},
		{"bad room id", roomapi.ActionState, map[string]any{"room_id": "room"}},
		{"unknown room", roomapi.ActionState, map[string]any{"room_id": "!nowhere:test"}},
		{"bad token", roomapi.ActionTimeline, map[string]any{"room_id": "!room:test", "since": "!!!"}},
		{"unknown event", roomapi.ActionEvent, map[string]any{"event_id": "$missing"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := client.Call(context.Background(), test.action, test.fields, nil)
			var serviceErr *service.ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("expected *ServiceError, got %v", err)
			}
		})
	}
}

func TestReadsServeRedactedContent(t *testing.T) {
	client := startRoomServer(t)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	base := room.Bootstrap()
	topic := room.State("$topic", "@alice:test", schema.MatrixEventTypeTopic, "", map[string]any{"topic": "secret topic"}, base[len(base)-1])
	message := room.Message("$hello", "@alice:test", "secret message", topic)
	submit(t, client, append(base, topic, message)...)

	// Read everything once so any cached copies predate the redactions.
	readTimeline(t, client)
	readState(t, client)

	auth := []*pdu.Event{room.CreateEvent, room.PowerLevels, base[1]}
	redactTopic := room.Build(pdutest.Draft{
		ID: "$redact-topic", Type: schema.MatrixEventTypeRedaction, Sender: "@alice:test",
		Prev: []*pdu.Event{message}, Auth: auth, Redacts: "$topic",
	})
	redactMessage := room.Build(pdutest.Draft{
		ID: "$redact-hello", Type: schema.MatrixEventTypeRedaction, Sender: "@alice:test",
		Prev: []*pdu.Event{redactTopic}, Auth: auth, Redacts: "$hello",
	})
	for _, result := range submit(t, client, redactTopic, redactMessage) {
		if result.Error != "" || result.Status != "integrated" {
			t.Fatalf("result = %+v", result)
		}
	}

	for _, event := range readTimeline(t, client) {
		if event.EventID == message.EventID || event.EventID == topic.EventID {
			if string(event.Content) != "{}" {
				t.Errorf("timeline %s content = %s, want {}", event.EventID, event.Content)
			}
		}
	}
	found := false
	for _, event := range readState(t, client) {
		if event.EventID == topic.EventID {
			found = true
			if string(event.Content) != "{}" {
				t.Errorf("state %s content = %s, want {}", event.EventID, event.Content)
			}
		}
	}
	if !found {
		t.Error("topic missing from current state")
	}
}

func readTimeline(t *testing.T, client *service.ServiceClient) []*pdu.Event {
	t.Helper()
	var page roomapi.TimelineResponse
	err := client.Call(context.Background(), roomapi.ActionTimeline,
		map[string]any{"room_id": "!room:test", "limit": roomapi.MaxTimelineLimit}, &page)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	events := make([]*pdu.Event, 0, len(page.Events))
	for _, entry := range page.Events {
		event, err := pdu.Parse(entry.JSON)
		if err != nil {
			t.Fatalf("timeline event does not parse: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func readState(t *testing.T, client *service.ServiceClient) []*pdu.Event {
	t.Helper()
	var state roomapi.StateResponse
	if err := client.Call(context.Background(), roomapi.ActionState, map[string]any{"room_id": "!room:test"}, &state); err != nil {
		t.Fatalf("state: %v", err)
	}
	events := make([]*pdu.Event, 0, len(state.Events))
	for _, raw := range state.Events {
		event, err := pdu.Parse(raw)
		if err != nil {
			t.Fatalf("state event does not parse: %v", err)
		}
		events = append(events, event)
	}
	return events
}
