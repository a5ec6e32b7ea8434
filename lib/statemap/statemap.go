// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statemap is the in-memory form of room state: an immutable
// map from interned (event type, state key) to interned event ID.
//
// A Map is a sorted slice of entries. Sorting gives a canonical order,
// so two maps with the same content hash identically and serialize to
// the same bytes regardless of how they were built. Operations that
// "modify" a map return a new one; a Map value can be shared freely
// between goroutines.
package statemap

import (
	"encoding/binary"
	"encoding/hex"
	"iter"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/roomserver/lib/shortid"
)

// Entry is one state slot: Key is an interned state key tuple, Event an
// interned event ID.
type Entry struct {
	Key   shortid.ID
	Event shortid.ID
}

// Map is an immutable state map. The zero value is the empty map.
type Map struct {
	entries []Entry
}

// New builds a map from entries. When a key repeats, the last entry
// wins.
func New(entries ...Entry) Map {
	if len(entries) == 0 {
		return Map{}
	}
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int { return compareID(a.Key, b.Key) })
	out := sorted[:0]
	for _, entry := range sorted {
		if n := len(out); n > 0 && out[n-1].Key == entry.Key {
			out[n-1] = entry
			continue
		}
		out = append(out, entry)
	}
	return Map{entries: out}
}

// FromSorted wraps entries already sorted by strictly increasing key.
// It does not copy; the caller must not retain entries.
func FromSorted(entries []Entry) Map { return Map{entries: entries} }

func compareID(a, b shortid.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m Map) search(key shortid.ID) (int, bool) {
	return slices.BinarySearchFunc(m.entries, key, func(e Entry, k shortid.ID) int { return compareID(e.Key, k) })
}

// Get returns the event occupying key.
func (m Map) Get(key shortid.ID) (shortid.ID, bool) {
	if i, ok := m.search(key); ok {
		return m.entries[i].Event, true
	}
	return 0, false
}

// Len returns the number of entries.
func (m Map) Len() int { return len(m.entries) }

// All yields entries in key order.
func (m Map) All() iter.Seq2[shortid.ID, shortid.ID] {
	return func(yield func(shortid.ID, shortid.ID) bool) {
		for _, entry := range m.entries {
			if !yield(entry.Key, entry.Event) {
				return
			}
		}
	}
}

// Entries returns a copy of the entries in key order.
func (m Map) Entries() []Entry { return slices.Clone(m.entries) }

// With returns a map with key set to event.
func (m Map) With(key, event shortid.ID) Map {
	i, found := m.search(key)
	if found {
		if m.entries[i].Event == event {
			return m
		}
		entries := slices.Clone(m.entries)
		entries[i].Event = event
		return Map{entries: entries}
	}
	entries := make([]Entry, 0, len(m.entries)+1)
	entries = append(entries, m.entries[:i]...)
	entries = append(entries, Entry{Key: key, Event: event})
	entries = append(entries, m.entries[i:]...)
	return Map{entries: entries}
}

// Equal reports whether both maps hold the same entries.
func (m Map) Equal(other Map) bool { return slices.Equal(m.entries, other.entries) }

// Diff is the change from one map to another. Added holds entries that
// are new or whose event changed; Removed holds keys absent from the
// target. Both are sorted by key.
type Diff struct {
	Added   []Entry
	Removed []shortid.ID
}

// Size is the number of changed slots.
func (d Diff) Size() int { return len(d.Added) + len(d.Removed) }

// Diff returns the change that turns m into target.
func (m Map) Diff(target Map) Diff {
	var diff Diff
	i, j := 0, 0
	for i < len(m.entries) || j < len(target.entries) {
		switch {
		case j == len(target.entries) || (i < len(m.entries) && m.entries[i].Key < target.entries[j].Key):
			diff.Removed = append(diff.Removed, m.entries[i].Key)
			i++
		case i == len(m.entries) || target.entries[j].Key < m.entries[i].Key:
			diff.Added = append(diff.Added, target.entries[j])
			j++
		default:
			if m.entries[i].Event != target.entries[j].Event {
				diff.Added = append(diff.Added, target.entries[j])
			}
			i++
			j++
		}
	}
	return diff
}

// Apply returns m with diff applied. Removed keys not present are
// ignored.
func (m Map) Apply(diff Diff) Map {
	if diff.Size() == 0 {
		return m
	}
	entries := make([]Entry, 0, len(m.entries)+len(diff.Added))
	removed := 0
	added := 0
	for _, entry := range m.entries {
		for removed < len(diff.Removed) && diff.Removed[removed] < entry.Key {
			removed++
		}
		for added < len(diff.Added) && diff.Added[added].Key < entry.Key {
			entries = append(entries, diff.Added[added])
			added++
		}
		if removed < len(diff.Removed) && diff.Removed[removed] == entry.Key {
			continue
		}
		if added < len(diff.Added) && diff.Added[added].Key == entry.Key {
			entries = append(entries, diff.Added[added])
			added++
			continue
		}
		entries = append(entries, entry)
	}
	entries = append(entries, diff.Added[added:]...)
	return Map{entries: entries}
}

// Hash is the content hash of a map.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

var hashDomainKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'r', 'o', 'o', 'm', 's', 'e', 'r', 'v', 'e',
	'r', '.', 's', 't', 'a', 't', 'e', 'm', 'a', 'p', 0, 0, 0, 0, 0, 0,
}

// Hash returns the keyed BLAKE3 hash of the entries in key order, each
// encoded as two big-endian uint64s. Equal maps hash equally; the
// domain key keeps state map hashes disjoint from any other BLAKE3 use.
func (m Map) Hash() Hash {
	hasher, err := blake3.NewKeyed(hashDomainKey[:])
	if err != nil {
		panic("statemap: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var buffer [16]byte
	for _, entry := range m.entries {
		binary.BigEndian.PutUint64(buffer[:8], uint64(entry.Key))
		binary.BigEndian.PutUint64(buffer[8:], uint64(entry.Event))
		hasher.Write(buffer[:])
	}
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
