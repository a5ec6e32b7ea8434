// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"io"
	"log/slog"
	"os"
)

// LoggerConfig selects the process logger's handler.
type LoggerConfig struct {
	// Format is "json" (the default) or "text".
	Format string
	Level  slog.Level
	// Output defaults to os.Stderr.
	Output io.Writer
}

// NewLogger creates the process logger and installs it as the slog
// default.
func NewLogger(config LoggerConfig) *slog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	options := &slog.HandlerOptions{Level: config.Level}

	var handler slog.Handler
	switch config.Format {
	case "text":
		handler = slog.NewTextHandler(output, options)
	default:
		handler = slog.NewJSONHandler(output, options)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
