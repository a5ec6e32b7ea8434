// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/netutil"
)

// ActionFunc processes a socket request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field).
// The handler decodes action-specific fields from this raw message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the wire-format envelope for all socket protocol
// responses.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Each connection handles exactly one request-response cycle:
// the client writes a CBOR value, the server processes it and writes
// a CBOR response, then the connection closes.
//
// Actions are registered with Handle before calling Serve. Unknown
// actions receive an error response.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// activeConnections tracks in-flight request handlers so Serve can
	// wait for them on shutdown.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered. Not safe to call once Serve has
// started.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections on the Unix socket and dispatches requests
// to registered action handlers. Blocks until ctx is cancelled, then
// stops accepting new connections and waits for active handlers to
// complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

const (
	// readTimeout bounds how long a client may take to send its request.
	readTimeout = 30 * time.Second
	// writeTimeout bounds writing the response.
	writeTimeout = 10 * time.Second
	// maxRequestSize bounds a single CBOR request. Submit batches carry
	// whole events, each limited to 64 KiB by the event format.
	maxRequestSize = 16 * 1024 * 1024
)

// errNoRequest marks a connection closed before any request bytes.
var errNoRequest = errors.New("no request")

// readRequest decodes one request and returns its action with the full
// raw message. CBOR is self-delimiting so no framing is needed.
func readRequest(conn net.Conn) (string, codec.RawMessage, error) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, errNoRequest
		}
		return "", nil, fmt.Errorf("invalid request: %v", err)
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return "", nil, fmt.Errorf("invalid request: %v", err)
	}
	if header.Action == "" {
		return "", nil, errors.New("missing required field: action")
	}
	return header.Action, raw, nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	action, raw, err := readRequest(conn)
	if errors.Is(err, errNoRequest) {
		return
	}
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}

	handler, exists := s.handlers[action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", action))
		return
	}

	started := time.Now()
	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", action, "duration", time.Since(started), "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.logger.Debug("action served", "action", action, "duration", time.Since(started))
	s.writeSuccess(conn, result)
}

// writeError sends {ok: false, error: "..."}.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.logWriteFailure(codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}))
}

// logWriteFailure logs a failed response write. A client that hung up
// is routine and logged at debug level.
func (s *SocketServer) logWriteFailure(err error) {
	switch {
	case err == nil:
	case netutil.IsExpectedCloseError(err):
		s.logger.Debug("client closed before the response was written", "error", err)
	default:
		s.logger.Warn("failed to write response", "error", err)
	}
}

// writeSuccess sends {ok: true} with result, if any, CBOR-encoded in
// the "data" field.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	s.logWriteFailure(codec.NewEncoder(conn).Encode(response))
}
