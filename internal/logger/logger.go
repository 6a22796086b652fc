// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var current slog.Level

// New builds the root logger. Level is one of debug, info, warn, error;
// format is text or json. Debug level additionally records the call site,
// trimmed to its last three path segments so log lines stay short.
func New(level, format string, w io.Writer) *slog.Logger {
	current = parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       current,
		AddSource:   current == slog.LevelDebug,
		ReplaceAttr: trimSource,
	}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Level returns the level the root logger was built with.
func Level() slog.Level {
	return current
}

func trimSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = strings.Join(parts, "/")
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
