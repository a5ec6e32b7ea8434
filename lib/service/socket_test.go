// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

// sendRequest connects to a Unix socket, sends a CBOR request, and
// returns the decoded response envelope.
func sendRequest(t *testing.T, socketPath string, request any) Response {
	t.Helper()

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to socket: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

func decodeData(t *testing.T, response Response, target any) {
	t.Helper()
	if len(response.Data) == 0 {
		t.Fatal("response has no data to decode")
	}
	if err := codec.Unmarshal(response.Data, target); err != nil {
		t.Fatalf("decoding response data: %v", err)
	}
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(testutil.SocketDir(t), "test.sock")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if t.Context().Err() != nil {
			t.Fatalf("socket %s did not appear before test context expired", path)
		}
		runtime.Gosched()
	}
}

// startServer runs server until the test ends.
func startServer(t *testing.T, server *SocketServer, socketPath string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve did not return"); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})
	waitForSocket(t, socketPath)
}

func TestSocketServerStatus(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{"active_rooms": 3}, nil
	})
	startServer(t, server, socketPath)

	response := sendRequest(t, socketPath, map[string]string{"action": "status"})
	if !response.OK {
		t.Fatalf("expected ok=true, got error %q", response.Error)
	}
	var data map[string]any
	decodeData(t, response, &data)
	if data["active_rooms"] != uint64(3) {
		t.Errorf("expected active_rooms=3, got %v (%T)", data["active_rooms"], data["active_rooms"])
	}
}

func TestSocketServerRequestFields(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			RoomID string `cbor:"room_id"`
			Limit  int    `cbor:"limit"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]any{"room_id": request.RoomID, "limit": request.Limit}, nil
	})
	startServer(t, server, socketPath)

	response := sendRequest(t, socketPath, map[string]any{"action": "echo", "room_id": "!room:test", "limit": 7})
	var data struct {
		RoomID string `cbor:"room_id"`
		Limit  int    `cbor:"limit"`
	}
	decodeData(t, response, &data)
	if data.RoomID != "!room:test" || data.Limit != 7 {
		t.Errorf("echo = %+v", data)
	}
}

func TestSocketServerRejectsBadRequests(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, fmt.Errorf("something broke")
	})
	startServer(t, server, socketPath)

	tests := []struct {
		name    string
		request any
		want    string
	}{
		{"unknown action", map[string]string{"action": "nonexistent"}, `unknown action "nonexistent"`},
		{"missing action", map[string]string{"room_id": "!room:test"}, "missing required field: action"},
		{"handler error", map[string]string{"action": "fail"}, "something broke"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := sendRequest(t, socketPath, test.request)
			if response.OK {
				t.Fatal("expected ok=false, got true")
			}
			if response.Error != test.want {
				t.Errorf("error = %q, want %q", response.Error, test.want)
			}
		})
	}
}

func TestSocketServerInvalidCBOR(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	startServer(t, server, socketPath)

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()
	// 0xff is a CBOR "break" with nothing to break out of.
	if _, err := conn.Write([]byte{0xff}); err != nil {
		t.Fatalf("writing: %v", err)
	}
	conn.(*net.UnixConn).CloseWrite()

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.OK || response.Error == "" {
		t.Errorf("expected an invalid request error, got %+v", response)
	}
}

func TestSocketServerNilResult(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("noop", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	startServer(t, server, socketPath)

	response := sendRequest(t, socketPath, map[string]string{"action": "noop"})
	if !response.OK {
		t.Errorf("expected ok=true, got false")
	}
	if len(response.Data) != 0 {
		t.Errorf("expected no data in response, got %d bytes", len(response.Data))
	}
}

func TestSocketServerGracefulShutdown(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	handlerStarted := make(chan struct{})
	handlerRelease := make(chan struct{})
	server.Handle("slow", func(ctx context.Context, raw []byte) (any, error) {
		close(handlerStarted)
		<-handlerRelease
		return map[string]any{"completed": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()
	waitForSocket(t, socketPath)

	responses := make(chan Response, 1)
	go func() {
		responses <- sendRequest(t, socketPath, map[string]string{"action": "slow"})
	}()

	testutil.RequireClosed(t, handlerStarted, 5*time.Second, "handler did not start")
	cancel()
	close(handlerRelease)

	// The in-flight request still completes.
	response := testutil.RequireReceive(t, responses, 5*time.Second, "in-flight response")
	if !response.OK {
		t.Errorf("expected ok=true for in-flight request, got false")
	}
	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "Serve did not return after cancellation"); err != nil {
		t.Errorf("Serve returned error: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not cleaned up after Serve returned")
	}
}

func TestSocketServerDuplicateHandlerPanics(t *testing.T) {
	server := NewSocketServer("/tmp/unused.sock", testLogger())
	server.Handle("foo", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate handler registration")
		}
	}()
	server.Handle("foo", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
}

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("extremities", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			RoomID string `cbor:"room_id"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if request.RoomID == "" {
			return nil, errors.New("room_id is required")
		}
		return []string{"$a", "$b"}, nil
	})
	server.Handle("noop", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	startServer(t, server, socketPath)

	client := NewServiceClient(socketPath)
	ctx := context.Background()

	var extremities []string
	if err := client.Call(ctx, "extremities", map[string]any{"room_id": "!room:test"}, &extremities); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(extremities) != 2 || extremities[0] != "$a" {
		t.Errorf("extremities = %v", extremities)
	}

	if err := client.Call(ctx, "noop", nil, nil); err != nil {
		t.Errorf("Call(noop): %v", err)
	}

	err := client.Call(ctx, "extremities", nil, &extremities)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Action != "extremities" || serviceErr.Message != "room_id is required" {
		t.Errorf("ServiceError = %+v", serviceErr)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("double", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Value int `cbor:"value"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return request.Value * 2, nil
	})
	startServer(t, server, socketPath)

	client := NewServiceClient(socketPath)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var doubled int
			if err := client.Call(context.Background(), "double", map[string]any{"value": i}, &doubled); err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			if doubled != i*2 {
				t.Errorf("request %d: got %d", i, doubled)
			}
		}()
	}
	wg.Wait()
}

func TestClientConnectionRefused(t *testing.T) {
	client := NewServiceClient(filepath.Join(testutil.SocketDir(t), "missing.sock"))
	err := client.Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Errorf("connection failure reported as ServiceError: %v", err)
	}
}
