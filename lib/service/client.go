// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"time"

	"github.com/bureau-foundation/roomserver/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the response
// after writing the request: the server's read and write timeouts plus
// handler time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's maxRequestSize.
const maxResponseSize = maxRequestSize

// ServiceError is returned by Call when the server responds with
// ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// ServiceClient sends CBOR requests to a service socket. Each Call opens
// a new connection, matching the server's one-request-per-connection
// model.
type ServiceClient struct {
	socketPath string
}

// NewServiceClient returns a client for the socket at socketPath. No
// connection is made until Call.
func NewServiceClient(socketPath string) *ServiceClient {
	return &ServiceClient{socketPath: socketPath}
}

// Call sends a request and decodes the response.
//
// fields holds the action-specific request fields; Call adds "action".
// On success, if result is non-nil and the response carries data, the
// data is decoded into result. On failure the error is a
// *ServiceError; connection and encoding failures are plain errors.
func (c *ServiceClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	maps.Copy(request, fields)
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *ServiceClient) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	// Abandon the exchange if ctx ends while waiting on the server.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
