// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/roomapi"
	"github.com/bureau-foundation/roomserver/lib/service"
	"github.com/bureau-foundation/roomserver/lib/version"
)

// ctl holds the connection flags shared by every command.
type ctl struct {
	stdout io.Writer

	socketPath string
	configPath string
	outputJSON bool
	timeout    time.Duration
}

func (c *ctl) connectionFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.socketPath, "socket", "", "room server socket (default: paths.socket from the config)")
	flags.StringVar(&c.configPath, "config", "", "config file used to find the socket (default: $"+config.EnvVar+")")
	flags.BoolVar(&c.outputJSON, "json", false, "output as JSON")
	flags.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
}

// client resolves the socket path: the --socket flag wins, then the
// config file.
func (c *ctl) client() (*service.ServiceClient, error) {
	if c.socketPath != "" {
		return service.NewServiceClient(c.socketPath), nil
	}
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("locating the room server socket: %w (or pass --socket)", err)
	}
	return service.NewServiceClient(cfg.Paths.Socket), nil
}

func (c *ctl) call(action string, fields map[string]any, result any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return client.Call(ctx, action, fields, result)
}

// emitJSON writes value as indented JSON when --json is set.
func (c *ctl) emitJSON(value any) (bool, error) {
	if !c.outputJSON {
		return false, nil
	}
	encoder := json.NewEncoder(c.stdout)
	encoder.SetIndent("", "  ")
	return true, encoder.Encode(value)
}

func root(c *ctl) *command {
	return &command{
		name:    "bureau-roomctl",
		summary: "Inspect and feed a running room server",
		subcommands: []*command{
			statusCommand(c),
			submitCommand(c),
			timelineCommand(c),
			stateCommand(c),
			extremitiesCommand(c),
			eventCommand(c),
			versionCommand(c),
		},
	}
}

func requireArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return fmt.Errorf("expected %d argument(s) (%s), got %d", len(names), strings.Join(names, ", "), len(args))
	}
	return nil
}

func statusCommand(c *ctl) *command {
	return &command{
		name:    "status",
		summary: "Show the server build and its rooms",
		usage:   "bureau-roomctl status [flags]",
		flags:   c.connectionFlags,
		run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			var status roomapi.StatusResponse
			if err := c.call(roomapi.ActionStatus, nil, &status); err != nil {
				return err
			}
			if done, err := c.emitJSON(status); done {
				return err
			}
			fmt.Fprintf(c.stdout, "server:       %s\n", status.ServerName)
			fmt.Fprintf(c.stdout, "build:        %s (%s)\n", status.Build.Version, status.Build.Commit)
			fmt.Fprintf(c.stdout, "active rooms: %d\n", status.ActiveRooms)
			fmt.Fprintf(c.stdout, "subscribers:  %d\n", status.Subscribers)
			if len(status.Rooms) == 0 {
				return nil
			}
			fmt.Fprintln(c.stdout)
			tw := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ROOM\tSTATE GROUP\tEXTREMITIES")
			for _, room := range status.Rooms {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", room.RoomID, room.StateGroup, room.Extremities)
			}
			return tw.Flush()
		},
	}
}

func submitCommand(c *ctl) *command {
	var origin string
	return &command{
		name:    "submit",
		summary: "Submit events from a JSONC file",
		usage:   "bureau-roomctl submit FILE [flags]",
		flags: func(flags *pflag.FlagSet) {
			c.connectionFlags(flags)
			flags.StringVar(&origin, "origin", "", "server the events came from")
		},
		run: func(args []string) error {
			if err := requireArgs(args, "FILE"); err != nil {
				return err
			}
			events, err := readEventFile(args[0])
			if err != nil {
				return err
			}
			fields := map[string]any{"events": events}
			if origin != "" {
				fields["origin"] = origin
			}
			var response roomapi.SubmitResponse
			if err := c.call(roomapi.ActionSubmit, fields, &response); err != nil {
				return err
			}
			if done, err := c.emitJSON(response.Results); done {
				return err
			}

			tw := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "EVENT\tRESULT\tDETAIL")
			failed := 0
			for i, result := range response.Results {
				id := result.EventID
				if id == "" {
					id = fmt.Sprintf("#%d", i)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, outcomeResult(result), outcomeDetail(result))
				if result.Error != "" {
					failed++
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return &submitError{failed: failed, total: len(response.Results)}
			}
			return nil
		},
	}
}

type submitError struct{ failed, total int }

func (e *submitError) Error() string {
	return fmt.Sprintf("%d of %d events could not be submitted", e.failed, e.total)
}

func outcomeResult(result roomapi.Outcome) string {
	switch {
	case result.Error != "":
		return "error"
	case result.Duplicate:
		return result.Status + " (duplicate)"
	default:
		return result.Status
	}
}

func outcomeDetail(result roomapi.Outcome) string {
	var parts []string
	if result.Error != "" {
		parts = append(parts, result.Error)
		if result.Retryable {
			parts = append(parts, "retryable")
		}
	}
	if result.Reason != "" {
		parts = append(parts, result.Reason)
	}
	if len(result.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(result.Missing, ", "))
	}
	if len(result.Cascaded) > 0 {
		parts = append(parts, "cascaded "+strings.Join(result.Cascaded, ", "))
	}
	return strings.Join(parts, "; ")
}

func timelineCommand(c *ctl) *command {
	var (
		since string
		limit int
	)
	return &command{
		name:    "timeline",
		summary: "Page through a room's timeline",
		usage:   "bureau-roomctl timeline ROOM [--since TOKEN] [--limit N] [flags]",
		flags: func(flags *pflag.FlagSet) {
			c.connectionFlags(flags)
			flags.StringVar(&since, "since", "", "resume after this token")
			flags.IntVar(&limit, "limit", 50, "maximum events to return")
		},
		run: func(args []string) error {
			if err := requireArgs(args, "ROOM"); err != nil {
				return err
			}
			var page roomapi.TimelineResponse
			fields := map[string]any{"room_id": args[0], "since": since, "limit": limit}
			if err := c.call(roomapi.ActionTimeline, fields, &page); err != nil {
				return err
			}
			if c.outputJSON {
				type entry struct {
					Depth int64           `json:"depth"`
					Event json.RawMessage `json:"event"`
				}
				output := struct {
					Events []entry `json:"events"`
					Next   string  `json:"next"`
				}{Events: []entry{}, Next: page.Next}
				for _, event := range page.Events {
					output.Events = append(output.Events, entry{Depth: event.Depth, Event: event.JSON})
				}
				_, err := c.emitJSON(output)
				return err
			}

			tw := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "DEPTH\tEVENT\tTYPE\tSENDER")
			for _, event := range page.Events {
				summary := summarize(event.JSON)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", event.Depth, summary.EventID, summary.typeAndKey(), summary.Sender)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "\nnext: %s\n", page.Next)
			return nil
		},
	}
}

func stateCommand(c *ctl) *command {
	return &command{
		name:    "state",
		summary: "Show a room's current state",
		usage:   "bureau-roomctl state ROOM [flags]",
		flags:   c.connectionFlags,
		run: func(args []string) error {
			if err := requireArgs(args, "ROOM"); err != nil {
				return err
			}
			var state roomapi.StateResponse
			if err := c.call(roomapi.ActionState, map[string]any{"room_id": args[0]}, &state); err != nil {
				return err
			}
			if c.outputJSON {
				output := struct {
					StateGroup uint64            `json:"state_group"`
					Events     []json.RawMessage `json:"events"`
				}{StateGroup: state.StateGroup, Events: []json.RawMessage{}}
				for _, event := range state.Events {
					output.Events = append(output.Events, event)
				}
				_, err := c.emitJSON(output)
				return err
			}

			fmt.Fprintf(c.stdout, "state group %d\n\n", state.StateGroup)
			tw := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tSTATE KEY\tEVENT\tSENDER")
			for _, event := range state.Events {
				summary := summarize(event)
				stateKey := ""
				if summary.StateKey != nil {
					stateKey = *summary.StateKey
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", summary.Type, stateKey, summary.EventID, summary.Sender)
			}
			return tw.Flush()
		},
	}
}

func extremitiesCommand(c *ctl) *command {
	return &command{
		name:    "extremities",
		summary: "List a room's forward extremities",
		usage:   "bureau-roomctl extremities ROOM [flags]",
		flags:   c.connectionFlags,
		run: func(args []string) error {
			if err := requireArgs(args, "ROOM"); err != nil {
				return err
			}
			var extremities []string
			if err := c.call(roomapi.ActionExtremities, map[string]any{"room_id": args[0]}, &extremities); err != nil {
				return err
			}
			if extremities == nil {
				extremities = []string{}
			}
			if done, err := c.emitJSON(extremities); done {
				return err
			}
			for _, id := range extremities {
				fmt.Fprintln(c.stdout, id)
			}
			return nil
		},
	}
}

func eventCommand(c *ctl) *command {
	return &command{
		name:    "event",
		summary: "Show one stored event",
		usage:   "bureau-roomctl event EVENT_ID [flags]",
		flags:   c.connectionFlags,
		run: func(args []string) error {
			if err := requireArgs(args, "EVENT_ID"); err != nil {
				return err
			}
			var record roomapi.EventResponse
			if err := c.call(roomapi.ActionEvent, map[string]any{"event_id": args[0]}, &record); err != nil {
				return err
			}
			if c.outputJSON {
				output := struct {
					Status     string          `json:"status"`
					StateGroup uint64          `json:"state_group,omitempty"`
					Rejection  string          `json:"rejection,omitempty"`
					Redacted   bool            `json:"redacted,omitempty"`
					Event      json.RawMessage `json:"event"`
				}{record.Status, record.StateGroup, record.Rejection, record.Redacted, record.JSON}
				_, err := c.emitJSON(output)
				return err
			}

			fmt.Fprintf(c.stdout, "status:      %s\n", record.Status)
			if record.StateGroup != 0 {
				fmt.Fprintf(c.stdout, "state group: %d\n", record.StateGroup)
			}
			if record.Rejection != "" {
				fmt.Fprintf(c.stdout, "rejection:   %s\n", record.Rejection)
			}
			if record.Redacted {
				fmt.Fprintf(c.stdout, "redacted:    yes\n")
			}
			fmt.Fprintln(c.stdout)
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, record.JSON, "", "  "); err != nil {
				return fmt.Errorf("stored event is not JSON: %w", err)
			}
			fmt.Fprintln(c.stdout, pretty.String())
			return nil
		},
	}
}

func versionCommand(c *ctl) *command {
	return &command{
		name:    "version",
		summary: "Print version information",
		run: func(args []string) error {
			fmt.Fprintf(c.stdout, "bureau-roomctl %s\n", version.Info())
			return nil
		},
	}
}

// eventSummary holds the fields shown in tables.
type eventSummary struct {
	EventID  string  `json:"event_id"`
	Type     string  `json:"type"`
	StateKey *string `json:"state_key"`
	Sender   string  `json:"sender"`
}

func summarize(raw []byte) eventSummary {
	var summary eventSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		summary.Type = "(unreadable)"
	}
	return summary
}

func (s eventSummary) typeAndKey() string {
	if s.StateKey == nil {
		return s.Type
	}
	return fmt.Sprintf("%s [%q]", s.Type, *s.StateKey)
}
