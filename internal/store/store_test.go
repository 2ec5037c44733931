package store

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "events.jsonl")
	s, err := Open(filepath.Join(dir, "test.db"), jsonl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, jsonl
}

func TestAppendAndRecentEvents(t *testing.T) {
	s, _ := openTestStore(t)
	at := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent("sess-1", "fill", "info", at, map[string]any{"n": i}))
	}
	require.NoError(t, s.AppendEvent("sess-2", "fill", "info", at, map[string]any{"n": 99}))

	events, err := s.RecentEvents("sess-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, int64(4), gjson.Get(events[0].Payload, "n").Int())
}

func TestEventSecretsScrubbed(t *testing.T) {
	s, jsonl := openTestStore(t)
	require.NoError(t, s.AppendEvent("sess-1", "config", "info", time.Now(), map[string]any{
		"api_key": "very-secret",
		"symbol":  "BTCUSDT",
	}))
	events, err := s.RecentEvents("sess-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Payload, "very-secret")
	assert.Contains(t, events[0].Payload, "[redacted]")

	raw, err := os.ReadFile(jsonl)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret")
}

func TestJSONLMirrorOneRecordPerLine(t *testing.T) {
	s, jsonl := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent("sess-1", "heartbeat", "info", time.Now(), map[string]any{"n": i}))
	}
	f, err := os.Open(jsonl)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		require.True(t, gjson.Valid(line), "each line must be standalone JSON")
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestSaveRunUpsert(t *testing.T) {
	s, _ := openTestStore(t)
	run := &RunModel{
		SessionID:   "sess-1",
		Status:      "RUNNING",
		StartEquity: 10_000,
		StartedAt:   time.Now().UnixMilli(),
	}
	require.NoError(t, s.SaveRun(run))

	run.Status = "COMPLETED"
	run.StopReason = "completed"
	run.FinalEquity = 10_250
	require.NoError(t, s.SaveRun(run))

	got, err := s.Run("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.Equal(t, 10_250.0, got.FinalEquity)
	assert.Equal(t, "completed", got.StopReason)
}
