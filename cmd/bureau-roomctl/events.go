// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// readEventFile reads a JSONC file holding one event or an array of
// events and returns each event as standard JSON. Events are not
// validated here; the room server reports malformed ones per event.
func readEventFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	events, err := parseEvents(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

func parseEvents(data []byte) ([][]byte, error) {
	standard := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(standard) == 0 {
		return nil, fmt.Errorf("no events")
	}

	if standard[0] != '[' {
		var event json.RawMessage
		if err := json.Unmarshal(standard, &event); err != nil {
			return nil, err
		}
		return [][]byte{compact(event)}, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(standard, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no events")
	}
	events := make([][]byte, 0, len(list))
	for i, event := range list {
		if trimmed := bytes.TrimSpace(event); len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		events = append(events, compact(event))
	}
	return events, nil
}

// compact strips the whitespace jsonc.ToJSON leaves in place of
// comments.
func compact(raw json.RawMessage) []byte {
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, raw); err != nil {
		return raw
	}
	return buffer.Bytes()
}
