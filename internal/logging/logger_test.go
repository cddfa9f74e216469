// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines parses each JSON log line in buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line %q", sc.Text())
		out = append(out, m)
	}
	return out
}

// =====================================================
// Initialization
// =====================================================

// TestInit_idempotent verifies the second Init call is ignored.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	Info("hello")
	assert.NotZero(t, buf1.Len())
	assert.Zero(t, buf2.Len())
}

// =====================================================
// Entry format
// =====================================================

// TestLogger_entryFields verifies JSON shape of entries.
func TestLogger_entryFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug).WithComponent("sync")

	l.Info("batch uploaded", map[string]interface{}{"rows": 25})
	l.Error("upload failed", errors.New("boom"), map[string]interface{}{"category": "detection"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "batch uploaded", lines[0]["message"])
	assert.Equal(t, "sync", lines[0]["component"])
	assert.NotEmpty(t, lines[0]["timestamp"])
	ctx := lines[0]["context"].(map[string]interface{})
	assert.EqualValues(t, 25, ctx["rows"])

	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

// TestLogger_SetFormat verifies switching to text output and back.
func TestLogger_SetFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.SetFormat("text")
	l.Info("plain line")
	assert.Contains(t, buf.String(), `msg="plain line"`)

	buf.Reset()
	l.SetFormat("json")
	l.Info("json line")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "json line", lines[0]["message"])
}

// TestLogger_minLevel verifies filtering and live level changes.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	child := l.WithComponent("evictor")

	child.Info("dropped")
	child.Debug("dropped")
	assert.Zero(t, buf.Len())

	child.Warn("kept")
	assert.Len(t, decodeLines(t, &buf), 1)

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.Level())
	child.Debug("now kept")
	assert.Len(t, decodeLines(t, &buf), 2)
}

// TestLogger_ErrorWithCode verifies the code is merged into context.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"cycle": 3}
	l.ErrorWithCode("sync failed", "REMOTE_UNAVAILABLE", errors.New("timeout"), ctx)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	got := lines[0]["context"].(map[string]interface{})
	assert.Equal(t, "REMOTE_UNAVAILABLE", got["code"])
	assert.EqualValues(t, 3, got["cycle"])
	_, mutated := ctx["code"]
	assert.False(t, mutated, "caller context must not be modified")
}

// TestParseLevel verifies textual level parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" INFO ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

// TestMergeContext verifies multiple maps are merged.
func TestMergeContext(t *testing.T) {
	assert.Nil(t, mergeContext())
	merged := mergeContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, merged)
}
