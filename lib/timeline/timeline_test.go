// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/stategroup"
)

type fixture struct {
	tracker  *Tracker
	pool     *sqlitepool.Pool
	interner *shortid.Interner
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "timeline.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	ctx := context.Background()
	interner, err := shortid.New(ctx, shortid.Config{Pool: pool})
	if err != nil {
		t.Fatalf("shortid.New: %v", err)
	}
	tracker, err := Open(ctx, Config{Pool: pool, Interner: interner, PageSize: pageSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return &fixture{tracker: tracker, pool: pool, interner: interner}
}

func (f *fixture) integrate(t *testing.T, event *pdu.Event) {
	t.Helper()
	ctx := context.Background()
	roomNID, err := f.interner.Intern(ctx, event.RoomID.String())
	if err != nil {
		t.Fatalf("Intern room: %v", err)
	}
	eventNID, err := f.interner.Intern(ctx, event.EventID.String())
	if err != nil {
		t.Fatalf("Intern event: %v", err)
	}
	err = f.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return f.tracker.OnEventIntegratedTx(conn, roomNID, event, eventNID)
	})
	if err != nil {
		t.Fatalf("OnEventIntegratedTx(%s): %v", event.EventID, err)
	}
}

func extremities(t *testing.T, f *fixture, roomID ref.RoomID) []string {
	t.Helper()
	ids, err := f.tracker.ForwardExtremities(context.Background(), roomID)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	var out []string
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func collect(t *testing.T, f *fixture, roomID ref.RoomID, cursor Cursor) []Entry {
	t.Helper()
	var entries []Entry
	for entry, err := range f.tracker.TimelineSince(context.Background(), roomID, cursor) {
		if err != nil {
			t.Fatalf("TimelineSince: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestForwardExtremities(t *testing.T) {
	f := newFixture(t, 0)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	roomID := room.ID

	if got := extremities(t, f, roomID); len(got) != 0 {
		t.Fatalf("unknown room extremities = %v, want none", got)
	}

	base := room.Bootstrap()
	for _, event := range base {
		f.integrate(t, event)
	}
	if got := extremities(t, f, roomID); !slices.Equal(got, []string{"$join-rules"}) {
		t.Fatalf("linear chain extremities = %v, want [$join-rules]", got)
	}

	tip := base[len(base)-1]
	left := room.Message("$left", "@alice:test", "left", tip)
	right := room.Message("$right", "@alice:test", "right", tip)
	f.integrate(t, left)
	f.integrate(t, right)
	if got := extremities(t, f, roomID); !slices.Equal(got, []string{"$left", "$right"}) {
		t.Fatalf("forked extremities = %v, want [$left $right]", got)
	}

	merge := room.Message("$merge", "@alice:test", "merge", left, right)
	f.integrate(t, merge)
	if got := extremities(t, f, roomID); !slices.Equal(got, []string{"$merge"}) {
		t.Fatalf("merged extremities = %v, want [$merge]", got)
	}

	// Integrating the same event again changes nothing.
	f.integrate(t, merge)
	if got := extremities(t, f, roomID); !slices.Equal(got, []string{"$merge"}) {
		t.Fatalf("extremities after repeat = %v, want [$merge]", got)
	}
}

func TestTimelineOrder(t *testing.T) {
	f := newFixture(t, 2)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	roomID := room.ID

	base := room.Bootstrap()
	tip := base[len(base)-1]
	b := room.Message("$b", "@alice:test", "b", tip)
	a := room.Message("$a", "@alice:test", "a", tip)
	after := room.Message("$after", "@alice:test", "after", a, b)

	// Integration order differs from (depth, event_id) order.
	for _, event := range append(slices.Clone(base), b, after, a) {
		f.integrate(t, event)
	}

	var got []string
	for _, entry := range collect(t, f, roomID, Cursor{}) {
		got = append(got, entry.EventID.String())
	}
	want := []string{"$create", "$creator-join", "$power-levels", "$join-rules", "$a", "$b", "$after"}
	if !slices.Equal(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
}

func TestEventWithAcceptedChildIsNotAnExtremity(t *testing.T) {
	f := newFixture(t, 0)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	roomID := room.ID

	base := room.Bootstrap()
	for _, event := range base {
		f.integrate(t, event)
	}
	tip := base[len(base)-1]
	parent := room.Message("$parent", "@alice:test", "parent", tip)
	other := room.Message("$other", "@alice:test", "other", tip)
	child := room.Message("$child", "@alice:test", "child", parent, other)

	f.integrate(t, other)
	f.integrate(t, child)
	f.integrate(t, parent)
	if got := extremities(t, f, roomID); !slices.Equal(got, []string{"$child"}) {
		t.Fatalf("extremities = %v, want [$child]", got)
	}

	var got []string
	for _, entry := range collect(t, f, roomID, Cursor{}) {
		got = append(got, entry.EventID.String())
	}
	if !slices.Contains(got, "$parent") {
		t.Errorf("timeline = %v, missing $parent", got)
	}
}

func TestTimelineResumesFromCursor(t *testing.T) {
	f := newFixture(t, 3)
	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
	roomID := room.ID

	events := room.Bootstrap()
	for range 10 {
		prev := events[len(events)-1]
		events = append(events, room.Message("", "@alice:test", "message", prev))
	}
	for _, event := range events {
		f.integrate(t, event)
	}

	all := collect(t, f, roomID, Cursor{})
	if len(all) != len(events) {
		t.Fatalf("full timeline has %d entries, want %d", len(all), len(events))
	}

	// Stop early, then resume through the opaque token.
	var (
		seen   []Entry
		cursor Cursor
	)
	for entry, err := range f.tracker.TimelineSince(context.Background(), roomID, Cursor{}) {
		if err != nil {
			t.Fatalf("TimelineSince: %v", err)
		}
		seen = append(seen, entry)
		cursor = entry.Cursor()
		if len(seen) == 5 {
			break
		}
	}
	parsed, err := ParseToken(cursor.Token())
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed != cursor {
		t.Fatalf("ParseToken = %+v, want %+v", parsed, cursor)
	}
	seen = append(seen, collect(t, f, roomID, parsed)...)
	if !slices.Equal(seen, all) {
		t.Fatalf("resumed timeline differs from full timeline:\n got %v\nwant %v", seen, all)
	}

	// A cursor at the end yields nothing.
	if rest := collect(t, f, roomID, all[len(all)-1].Cursor()); len(rest) != 0 {
		t.Fatalf("timeline after last entry = %v, want empty", rest)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "AAAA", "oA"} {
		if _, err := ParseToken(token); err == nil {
			t.Errorf("ParseToken(%q) succeeded, want error", token)
		}
	}
	cursor, err := ParseToken("")
	if err != nil || !cursor.IsZero() {
		t.Errorf("ParseToken(\"\") = %+v, %v; want zero cursor", cursor, err)
	}
}

func TestCurrentStateGroup(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	roomID := ref.MustParseRoomID("!room:test")

	if _, found, err := f.tracker.CurrentStateGroup(ctx, roomID); err != nil || found {
		t.Fatalf("CurrentStateGroup on unknown room = found %v, err %v", found, err)
	}

	roomNID, err := f.interner.Intern(ctx, roomID.String())
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	for _, group := range []int64{7, 9} {
		err := f.pool.Write(ctx, func(conn *sqlite.Conn) error {
			return f.tracker.SetCurrentStateGroupTx(conn, roomNID, roomID, stategroup.ID(group))
		})
		if err != nil {
			t.Fatalf("SetCurrentStateGroupTx(%d): %v", group, err)
		}
	}
	group, found, err := f.tracker.CurrentStateGroup(ctx, roomID)
	if err != nil || !found || group != 9 {
		t.Fatalf("CurrentStateGroup = %d, %v, %v; want 9, true, nil", group, found, err)
	}

	rooms, err := f.tracker.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != roomID || rooms[0].StateGroup != 9 {
		t.Fatalf("Rooms = %+v, want one room at group 9", rooms)
	}
}
