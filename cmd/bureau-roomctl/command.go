// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one node of the CLI tree.
type command struct {
	name    string
	summary string
	usage   string

	// flags registers the command's flags on a fresh set.
	flags       func(*pflag.FlagSet)
	subcommands []*command
	run         func(args []string) error

	parent *command
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// execute dispatches args to a subcommand or parses flags and runs.
func (c *command) execute(args []string, stderr io.Writer) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(stderr)
		return nil
	}

	if len(c.subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.printHelp(stderr)
			return errors.New("command required")
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				sub.parent = c
				return sub.execute(args[1:], stderr)
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	flagSet := pflag.NewFlagSet(c.fullName(), pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	if c.flags != nil {
		c.flags(flagSet)
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printHelp(stderr)
			return nil
		}
		return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
	}
	return c.run(flagSet.Args())
}

func (c *command) printHelp(w io.Writer) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	if c.usage != "" {
		fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	} else {
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", c.fullName())
		return
	}

	flagSet := pflag.NewFlagSet(c.fullName(), pflag.ContinueOnError)
	if c.flags != nil {
		c.flags(flagSet)
	}
	if usage := flagSet.FlagUsages(); usage != "" {
		fmt.Fprintf(w, "\nFlags:\n%s", usage)
	}
}
