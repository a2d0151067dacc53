package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestLoggerRecordsAcrossDerivedLoggers(t *testing.T) {
	root := NewTestLogger()
	child := root.WithPrefix("[queue]").With(map[string]interface{}{"key": "a"})

	root.Info("root %d", 1)
	child.Warn("child %s", "x")
	child.Error("plain")

	logs := root.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "root 1", logs[0].Formatted())
	assert.Equal(t, "WARNING", logs[1].Severity)
	assert.Equal(t, []string{"[queue]"}, logs[1].Prefixes)
	assert.Equal(t, "plain", logs[2].Formatted())
	assert.True(t, root.Contains("WARNING", "child x"))
	assert.False(t, root.Contains("ERROR", "child"))
}

func TestWithKV(t *testing.T) {
	l := WithKV(NewTestLogger(), "k", 42)
	tl, ok := l.(*TestLogger)
	require.True(t, ok)
	assert.Equal(t, 42, tl.metadata["k"])
}

func TestJSONLoggerWritesToSink(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithSink(&buf, LevelInfo).(*jsonLogger)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.WithPrefix("[cache]").With(map[string]interface{}{"key": "user_42"}).Info("hit %s", "memory")
	l.Debug("filtered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hit memory", entry.Message)
	assert.Equal(t, "INFO", entry.Severity)
	assert.Equal(t, "cache", entry.Component)
	assert.Equal(t, "user_42", entry.Metadata["key"])
	assert.True(t, fixed.Equal(entry.Timestamp))
}

func TestConsoleLoggerSinkStripsColour(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LevelNone)
	l.SetSink(&buf, LevelWarn)
	assert.True(t, l.IsLevelEnabled(LevelError))
	assert.False(t, l.IsLevelEnabled(LevelInfo))

	l.Warn("queue full, dropped %q", "k1")
	l.Info("not written")

	out := buf.String()
	assert.Contains(t, out, `[WARN ] queue full, dropped "k1"`)
	assert.NotContains(t, out, "\033[")
	assert.NotContains(t, out, "not written")
}
