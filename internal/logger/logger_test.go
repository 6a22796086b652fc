// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			New(tt.level, "text", &buf)
			assert.Equal(t, tt.expected, Level())
		})
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "text", &buf)

	log.Info("power sample", "domain", "package-0", "watts", 41.5)
	out := buf.String()
	assert.Contains(t, out, "msg=\"power sample\"")
	assert.Contains(t, out, "domain=package-0")

	// Below the configured level nothing is written.
	buf.Reset()
	log.Debug("suppressed")
	assert.Empty(t, buf.String())
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "json", &buf)

	log.Info("power sample", "domain", "dram-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "power sample", entry["msg"])
	assert.Equal(t, "dram-1", entry["domain"])
	_, hasSource := entry["source"]
	assert.False(t, hasSource, "source should only be recorded at debug level")
}

func TestNew_DebugAddsTrimmedSource(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "json", &buf)

	log.Debug("probe")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	source, ok := entry["source"].(map[string]any)
	require.True(t, ok, "debug entries must carry their call site")

	file, _ := source["file"].(string)
	require.NotEmpty(t, file)
	assert.LessOrEqual(t, len(strings.Split(file, "/")), 3)
	assert.True(t, strings.HasSuffix(file, "logger_test.go"))
}
