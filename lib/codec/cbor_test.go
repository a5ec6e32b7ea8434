// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

type sample struct {
	Room    ref.RoomID     `cbor:"room"`
	Count   uint64         `cbor:"count"`
	Entries [][2]uint64    `cbor:"entries,omitempty"`
	Labels  map[string]int `cbor:"labels,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := sample{
		Room:   ref.MustParseRoomID("!r:example.org"),
		Count:  3,
		Labels: map[string]int{"zeta": 1, "alpha": 2, "mid": 3},
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal output differs between calls")
		}
	}
}

func TestRoundTripTextMarshaler(t *testing.T) {
	value := sample{
		Room:    ref.MustParseRoomID("!r:example.org"),
		Count:   7,
		Entries: [][2]uint64{{1, 10}, {2, 20}},
	}
	data, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Room != value.Room || decoded.Count != 7 || len(decoded.Entries) != 2 || decoded.Entries[1] != [2]uint64{2, 20} {
		t.Errorf("decoded = %+v, want %+v", decoded, value)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := range 3 {
		if err := encoder.Encode(sample{Room: ref.MustParseRoomID("!r:example.org"), Count: uint64(i)}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	decoder := NewDecoder(&buffer)
	for i := range 3 {
		var decoded sample
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if decoded.Count != uint64(i) {
			t.Errorf("message %d: Count = %d", i, decoded.Count)
		}
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var decoded sample
	if err := Unmarshal([]byte{0xff, 0x00}, &decoded); err == nil {
		t.Fatal("expected error for invalid CBOR")
	}
}
