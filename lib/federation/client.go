// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/netutil"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Fetcher retrieves missing events from a remote server.
type Fetcher interface {
	// FetchMissing asks origin for the events with the given IDs in
	// roomID and returns the wire JSON of every event it obtained. A
	// non-nil error alongside a non-empty result means some fetches
	// failed; the returned events are still usable.
	FetchMissing(ctx context.Context, roomID ref.RoomID, origin ref.ServerName, ids []ref.EventID) ([]json.RawMessage, error)
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Peers maps each remote server name to the base URL of its
	// federation listener (e.g., "https://matrix.example.org:8448").
	Peers map[ref.ServerName]string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client fetches events over the Matrix server-server API.
type Client struct {
	peers      map[ref.ServerName]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates the peer table and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	peers := make(map[ref.ServerName]string, len(config.Peers))
	for server, base := range config.Peers {
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("federation: invalid base URL %q for %s: %w", base, server, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("federation: base URL %q for %s must be http or https", base, server)
		}
		// Stored as a string and joined by concatenation, as url.URL.String
		// re-encodes paths that were already escaped.
		peers[server] = strings.TrimRight(base, "/")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{peers: peers, httpClient: httpClient, logger: logger}, nil
}

// CloseIdleConnections closes idle connections in the transport pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// eventResponse is the body of a successful event fetch: a transaction
// carrying the single requested PDU.
type eventResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// FetchEvent fetches one event from origin.
func (c *Client) FetchEvent(ctx context.Context, origin ref.ServerName, id ref.EventID) (json.RawMessage, error) {
	base, ok := c.peers[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, origin)
	}
	path := "/_matrix/federation/v1/event/" + url.PathEscape(id.String())
	body, err := c.doRequest(ctx, base, path)
	if err != nil {
		return nil, err
	}

	var response eventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("federation: parsing event response from %s: %w", origin, err)
	}
	if len(response.PDUs) != 1 {
		return nil, fmt.Errorf("federation: %s returned %d pdus for %s, want 1", origin, len(response.PDUs), id)
	}
	return response.PDUs[0], nil
}

// FetchMissing fetches each event in turn. It stops early only when ctx
// is done; other failures are collected and returned joined, together
// with the events that were fetched.
func (c *Client) FetchMissing(ctx context.Context, roomID ref.RoomID, origin ref.ServerName, ids []ref.EventID) ([]json.RawMessage, error) {
	var (
		fetched []json.RawMessage
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		pdu, err := c.FetchEvent(ctx, origin, id)
		if err != nil {
			c.logger.Debug("fetching missing event failed",
				"room_id", roomID, "event_id", id, "origin", origin, "error", err)
			errs = append(errs, fmt.Errorf("fetching %s: %w", id, err))
			continue
		}
		fetched = append(fetched, pdu)
	}
	return fetched, errors.Join(errs...)
}

// doRequest performs a GET against a peer and returns the response body.
// On 4xx/5xx it returns a *MatrixError.
func (c *Client) doRequest(ctx context.Context, base, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("federation: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("federation: GET %s failed: %w", path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("federation: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("federation: unexpected %d response from GET %s: %s",
			response.StatusCode, path, netutil.ErrorSnippet(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
