// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
	"github.com/bureau-foundation/roomserver/lib/statemap"
	"github.com/bureau-foundation/roomserver/lib/stateres"
	"github.com/bureau-foundation/roomserver/lib/timeline"
)

// Defaults applied by Open to zero Config fields.
const (
	DefaultQueueDepth       = 256
	DefaultRoomIdleTimeout  = 5 * time.Minute
	DefaultMaxBackfillDepth = 64
	DefaultBackfillRetryMin = time.Second
	DefaultBackfillRetryMax = 5 * time.Minute
	DefaultFetchTimeout     = 30 * time.Second
	DefaultEventCacheSize   = 8192
	DefaultStateCacheSize   = 1024
	DefaultShortIDCacheSize = 65536
)

var (
	// ErrRoomBusy is returned when a room's submission queue is full.
	// The caller may retry later.
	ErrRoomBusy = errors.New("roomserver: room busy")

	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("roomserver: closed")

	// ErrUnknownRoom is returned by reads of a room with no accepted
	// events.
	ErrUnknownRoom = errors.New("roomserver: unknown room")
)

// IsRetryable reports whether a failed submission may succeed if sent
// again unchanged: the room was busy or the database was locked.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRoomBusy) {
		return true
	}
	var storeErr *eventstore.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	return sqlitepool.IsBusy(err)
}

// Config holds the dependencies and limits of a Server.
type Config struct {
	// Pool is the database all tables live in. The caller owns it and
	// closes it after Close.
	Pool *sqlitepool.Pool

	// Fetcher retrieves missing events. Nil disables backfill:
	// outliers then wait for their ancestors to be submitted.
	Fetcher federation.Fetcher

	Clock  clock.Clock
	Logger *slog.Logger

	// QueueDepth bounds the submissions waiting for one room.
	QueueDepth int
	// RoomIdleTimeout is how long a room's worker lives without work.
	RoomIdleTimeout time.Duration

	// MaxBackfillDepth bounds how many generations of missing
	// ancestors one submission fetches before giving up.
	MaxBackfillDepth int
	// BackfillRetryMin and BackfillRetryMax bound the exponential
	// backoff between fetch retries.
	BackfillRetryMin time.Duration
	BackfillRetryMax time.Duration
	// FetchTimeout bounds each FetchMissing call.
	FetchTimeout time.Duration

	SnapshotInterval   int
	EventCacheSize     int
	StateCacheSize     int
	AuthChainCacheSize int
	ShortIDCacheSize   int
}

func (c *Config) applyDefaults() {
	c.QueueDepth = cmp.Or(c.QueueDepth, DefaultQueueDepth)
	c.RoomIdleTimeout = cmp.Or(c.RoomIdleTimeout, DefaultRoomIdleTimeout)
	c.MaxBackfillDepth = cmp.Or(c.MaxBackfillDepth, DefaultMaxBackfillDepth)
	c.BackfillRetryMin = cmp.Or(c.BackfillRetryMin, DefaultBackfillRetryMin)
	c.BackfillRetryMax = cmp.Or(c.BackfillRetryMax, DefaultBackfillRetryMax)
	c.FetchTimeout = cmp.Or(c.FetchTimeout, DefaultFetchTimeout)
	c.EventCacheSize = cmp.Or(c.EventCacheSize, DefaultEventCacheSize)
	c.StateCacheSize = cmp.Or(c.StateCacheSize, DefaultStateCacheSize)
	c.AuthChainCacheSize = cmp.Or(c.AuthChainCacheSize, stateres.DefaultAuthChainCacheSize)
	c.ShortIDCacheSize = cmp.Or(c.ShortIDCacheSize, DefaultShortIDCacheSize)
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Server is the room server: it accepts events, integrates them into
// each room's graph, and serves state and timelines.
type Server struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	pool     *sqlitepool.Pool
	interner *shortid.Interner
	events   *eventstore.Store
	states   *stategroup.Store
	timeline *timeline.Tracker
	resolver *stateres.Resolver

	// ctx is cancelled by Close and bounds all background work.
	ctx    context.Context
	cancel context.CancelFunc

	rooms   sync.Map // ref.RoomID -> *room
	workers sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	subscribers map[*subscriber]struct{}
}

// Open creates the room server's tables if needed and returns a Server.
func Open(ctx context.Context, config Config) (*Server, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("roomserver: Pool is required")
	}
	config.applyDefaults()
	logger := config.Logger

	interner, err := shortid.New(ctx, shortid.Config{
		Pool:      config.Pool,
		Logger:    logger,
		CacheSize: config.ShortIDCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	events, err := eventstore.Open(ctx, eventstore.Config{
		Pool:      config.Pool,
		Interner:  interner,
		Logger:    logger,
		CacheSize: config.EventCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	states, err := stategroup.Open(ctx, stategroup.Config{
		Pool:             config.Pool,
		Logger:           logger,
		SnapshotInterval: config.SnapshotInterval,
		CacheSize:        config.StateCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	tracker, err := timeline.Open(ctx, timeline.Config{Pool: config.Pool, Interner: interner, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		clock:    config.Clock,
		logger:   logger,
		pool:     config.Pool,
		interner: interner,
		events:   events,
		states:   states,
		timeline: tracker,
		resolver: stateres.New(stateres.Config{
			Chains: stateres.NewAuthChainCache(config.AuthChainCacheSize),
			Logger: logger,
		}),
		ctx:         serverCtx,
		cancel:      cancel,
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Close stops every room worker and waits for them to exit. Queued
// submissions fail with ErrClosed. Subscription channels are closed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.workers.Wait()

	s.mu.Lock()
	for sub := range s.subscribers {
		close(sub.events)
		delete(s.subscribers, sub)
	}
	s.mu.Unlock()
	return nil
}

// EventByNID returns the stored record of the event with short ID nid.
// It is read from the database, so a redaction applied since the event
// was first cached is reflected.
func (s *Server) EventByNID(ctx context.Context, nid shortid.ID) (*eventstore.Record, error) {
	return s.events.Load(ctx, nid)
}

// Event returns the stored record of an event, outliers included.
func (s *Server) Event(ctx context.Context, id ref.EventID) (*eventstore.Record, error) {
	return s.events.GetRecord(ctx, id)
}

// ForwardExtremities returns the current forward extremities of a room.
func (s *Server) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return s.timeline.ForwardExtremities(ctx, roomID)
}

// TimelineSince yields a room's integrated events after cursor in
// (depth, event_id) order.
func (s *Server) TimelineSince(ctx context.Context, roomID ref.RoomID, cursor timeline.Cursor) iter.Seq2[timeline.Entry, error] {
	return s.timeline.TimelineSince(ctx, roomID, cursor)
}

// Materialize returns the full state map of a state group.
func (s *Server) Materialize(ctx context.Context, group stategroup.ID) (statemap.Map, error) {
	return s.states.Materialize(ctx, group)
}

// DescribeStateGroup returns storage details of a state group.
func (s *Server) DescribeStateGroup(ctx context.Context, group stategroup.ID) (stategroup.Info, error) {
	return s.states.Describe(ctx, group)
}

// CurrentState returns the state group and state map of a room after
// its forward extremities. It returns ErrUnknownRoom for a room with no
// accepted events.
func (s *Server) CurrentState(ctx context.Context, roomID ref.RoomID) (stategroup.ID, statemap.Map, error) {
	group, found, err := s.timeline.CurrentStateGroup(ctx, roomID)
	if err != nil {
		return 0, statemap.Map{}, err
	}
	if !found {
		return 0, statemap.Map{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	state, err := s.states.Materialize(ctx, group)
	if err != nil {
		return 0, statemap.Map{}, err
	}
	return group, state, nil
}

// StateEvents loads the events of a state map as currently stored,
// redacted where a redaction has been applied, ordered by event type
// and then state key.
func (s *Server) StateEvents(ctx context.Context, state statemap.Map) ([]*pdu.Event, error) {
	events := make([]*pdu.Event, 0, state.Len())
	for _, nid := range state.All() {
		record, err := s.events.Load(ctx, nid)
		if err != nil {
			return nil, err
		}
		events = append(events, record.Event)
	}
	slices.SortFunc(events, func(a, b *pdu.Event) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(*a.StateKey, *b.StateKey))
	})
	return events, nil
}

// Rooms lists every room with accepted events.
func (s *Server) Rooms(ctx context.Context) ([]timeline.RoomSummary, error) {
	return s.timeline.Rooms(ctx)
}

// Stats is a snapshot of the server's in-memory activity.
type Stats struct {
	ActiveRooms int
	Subscribers int
}

// Stats returns counts of live room workers and subscribers.
func (s *Server) Stats() Stats {
	var stats Stats
	s.rooms.Range(func(any, any) bool {
		stats.ActiveRooms++
		return true
	})
	s.mu.Lock()
	stats.Subscribers = len(s.subscribers)
	s.mu.Unlock()
	return stats
}

type subscriber struct {
	events chan *pdu.Event
}

// Subscribe returns a channel that receives every event integrated from
// now on, across all rooms, in integration order. A subscriber that
// lets buffer events queue up is dropped and its channel closed; it
// should then catch up from TimelineSince and subscribe again. The
// returned function unsubscribes.
func (s *Server) Subscribe(buffer int) (<-chan *pdu.Event, func()) {
	sub := &subscriber{events: make(chan *pdu.Event, max(buffer, 1))}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.events)
		return sub.events, func() {}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return sub.events, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[sub]; ok {
			delete(s.subscribers, sub)
			close(sub.events)
		}
	}
}

func (s *Server) publish(event *pdu.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.events <- event:
		default:
			s.logger.Warn("dropping slow subscriber", "event_id", event.EventID, "buffer", cap(sub.events))
			delete(s.subscribers, sub)
			close(sub.events)
		}
	}
}
