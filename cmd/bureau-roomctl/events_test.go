// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEvents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single object",
			input: `{"type": "m.room.create", "depth": 1}`,
			want:  []string{`{"type":"m.room.create","depth":1}`},
		},
		{
			name: "array with comments and trailing commas",
			input: `[
				// the room's first event
				{"type": "m.room.create",},
				/* a message */ {"type": "m.room.message", "content": {"body": "hi // not a comment"}},
			]`,
			want: []string{
				`{"type":"m.room.create"}`,
				`{"type":"m.room.message","content":{"body":"hi // not a comment"}}`,
			},
		},
		{name: "empty file", input: "  // nothing\n", wantErr: true},
		{name: "empty array", input: "[]", wantErr: true},
		{name: "array of strings", input: `["$a"]`, wantErr: true},
		{name: "truncated", input: `{"type": `, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			events, err := parseEvents([]byte(test.input))
			if test.wantErr {
				if err == nil {
					t.Fatalf("parseEvents succeeded with %q", events)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEvents: %v", err)
			}
			if len(events) != len(test.want) {
				t.Fatalf("got %d events, want %d", len(events), len(test.want))
			}
			for i := range events {
				if string(events[i]) != test.want[i] {
					t.Errorf("event %d = %s, want %s", i, events[i], test.want[i])
				}
			}
		})
	}
}

func TestReadEventFileNamesThePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonc")
	if err := os.WriteFile(path, []byte("[1, 2]"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := readEventFile(path)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := err.Error(); len(got) < len(path) || got[:len(path)] != path {
		t.Errorf("error %q does not start with the file path", got)
	}
}
