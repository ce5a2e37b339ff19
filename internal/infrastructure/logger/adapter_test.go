package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerAdapter_FieldsAndErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := FromZap(zap.New(core))

	log.WithField("agent_id", "agent-1").
		WithFields(map[string]any{"run_id": "r1"}).
		Warn("claim lost", "page", "abc", "error", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "claim lost", entries[0].Message)
	assert.Equal(t, "agent-1", ctx["agent_id"])
	assert.Equal(t, "r1", ctx["run_id"])
	assert.Equal(t, "abc", ctx["page"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestLoggerAdapter_OddArgs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := FromZap(zap.New(core))

	log.Info("odd", "key", 1, "dangling")

	ctx := logs.All()[0].ContextMap()
	assert.EqualValues(t, 1, ctx["key"])
	assert.Equal(t, "dangling", ctx["extra"])
}

func TestNewLoggerAdapter_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLoggerAdapter(Config{Level: "debug", Dir: dir, Name: "run/1"})
	require.NoError(t, err)

	log.Info("swarm started", "agents", 3)
	require.NoError(t, log.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*_run_1.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "swarm started", entry["message"])
	assert.EqualValues(t, 3, entry["agents"])
}

func TestNewLoggerAdapter_InvalidLevel(t *testing.T) {
	_, err := NewLoggerAdapter(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "swarm", sanitize(""))
	assert.Equal(t, "a_b-c", sanitize("a b-c"))
	assert.Len(t, sanitize(string(make([]byte, 100))), 60)
}
