// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statemap

import (
	"math/rand/v2"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/shortid"
)

func entries(pairs ...uint64) []Entry {
	out := make([]Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Entry{Key: shortid.ID(pairs[i]), Event: shortid.ID(pairs[i+1])})
	}
	return out
}

func TestNewSortsAndDeduplicates(t *testing.T) {
	m := New(entries(3, 30, 1, 10, 2, 20, 1, 11)...)
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	want := entries(1, 11, 2, 20, 3, 30)
	got := m.Entries()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Entries = %v, want %v", got, want)
		}
	}
	if event, ok := m.Get(2); !ok || event != 20 {
		t.Errorf("Get(2) = %d, %v", event, ok)
	}
	if _, ok := m.Get(4); ok {
		t.Error("Get(4) found a missing key")
	}
}

func TestHashIndependentOfConstructionOrder(t *testing.T) {
	base := entries(1, 10, 2, 20, 3, 30, 4, 40, 5, 50)
	want := New(base...).Hash()
	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]Entry(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := New(shuffled...).Hash(); got != want {
			t.Fatalf("hash of %v = %s, want %s", shuffled, got, want)
		}
	}
	if New(entries(1, 10)...).Hash() == New(entries(1, 11)...).Hash() {
		t.Error("different maps hash equally")
	}
	if (Map{}).Hash() == New(entries(0, 0)...).Hash() {
		t.Error("empty map collides with a one-entry map")
	}
}

func TestWith(t *testing.T) {
	m := New(entries(1, 10, 3, 30)...)
	inserted := m.With(2, 20)
	replaced := inserted.With(3, 31)

	if m.Len() != 2 {
		t.Error("With modified the receiver")
	}
	if event, _ := replaced.Get(3); event != 31 {
		t.Errorf("replaced Get(3) = %d, want 31", event)
	}
	if event, _ := inserted.Get(3); event != 30 {
		t.Errorf("inserted Get(3) = %d after later With, want 30", event)
	}
	if !replaced.Equal(New(entries(1, 10, 2, 20, 3, 31)...)) {
		t.Errorf("replaced = %v", replaced.Entries())
	}
	if same := m.With(1, 10); !same.Equal(m) {
		t.Error("With of an existing entry changed the map")
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		from, to Map
	}{
		{"empty to empty", Map{}, Map{}},
		{"empty to full", Map{}, New(entries(1, 1, 2, 2)...)},
		{"full to empty", New(entries(1, 1, 2, 2)...), Map{}},
		{"change, add, remove", New(entries(1, 10, 2, 20, 4, 40)...), New(entries(1, 11, 3, 30, 4, 40, 9, 90)...)},
		{"disjoint", New(entries(1, 1, 3, 3)...), New(entries(2, 2, 4, 4)...)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			diff := test.from.Diff(test.to)
			if got := test.from.Apply(diff); !got.Equal(test.to) {
				t.Errorf("Apply(Diff) = %v, want %v (diff %+v)", got.Entries(), test.to.Entries(), diff)
			}
		})
	}
}

func TestDiffApplyRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	randomMap := func() Map {
		var out []Entry
		for key := uint64(1); key <= 40; key++ {
			if rng.IntN(3) > 0 {
				out = append(out, Entry{Key: shortid.ID(key), Event: shortid.ID(rng.IntN(5) + 1)})
			}
		}
		return New(out...)
	}
	for range 200 {
		from, to := randomMap(), randomMap()
		diff := from.Diff(to)
		if got := from.Apply(diff); !got.Equal(to) {
			t.Fatalf("round trip failed:\nfrom %v\nto   %v\ngot  %v", from.Entries(), to.Entries(), got.Entries())
		}
		if got := to.Apply(to.Diff(to)); !got.Equal(to) || to.Diff(to).Size() != 0 {
			t.Fatal("self diff is not empty")
		}
	}
}

func TestAllStopsEarly(t *testing.T) {
	m := New(entries(1, 1, 2, 2, 3, 3)...)
	var visited int
	for range m.All() {
		visited++
		if visited == 2 {
			break
		}
	}
	if visited != 2 {
		t.Errorf("visited %d entries, want 2", visited)
	}
}
