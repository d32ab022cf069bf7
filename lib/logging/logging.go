// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers of the GEP commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// NewCommandLogger creates the process logger. When stderr is a
// terminal it uses slog.TextHandler for human-readable output;
// otherwise slog.JSONHandler for log collectors.
//
// Callers scope the logger with component context via With():
//
//	logger := logging.NewCommandLogger(level).With("component", "publisher")
func NewCommandLogger(level slog.Level) *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

func newLogger(output io.Writer, terminal bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if terminal {
		return slog.New(slog.NewTextHandler(output, options))
	}
	return slog.New(slog.NewJSONHandler(output, options))
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", name)
}
