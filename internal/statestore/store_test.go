package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "checkpoint.json"), 3)
	require.NoError(t, err)
	return s
}

func checkpoint(gen int, equity float64) *Checkpoint {
	session, _ := json.Marshal(map[string]float64{"equity": equity})
	return &Checkpoint{
		Generation: gen,
		WrittenAt:  1700000000000,
		Session:    session,
		Broker:     json.RawMessage(`{}`),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(checkpoint(1, 10_000)))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generation)

	var session map[string]float64
	require.NoError(t, json.Unmarshal(got.Session, &session))
	assert.Equal(t, 10_000.0, session["equity"])
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestCorruptPrimaryRecoversFromBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(checkpoint(1, 10_000)))
	require.NoError(t, s.Save(checkpoint(2, 10_500)))

	// Simulate a torn write on the primary.
	require.NoError(t, os.WriteFile(s.path, []byte(`{"generation": 2, "writ`), 0o644))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generation, "should fall back to the last good backup")
}

func TestBackupRotationKeepsBoundedChain(t *testing.T) {
	s := newTestStore(t)
	for gen := 1; gen <= 6; gen++ {
		require.NoError(t, s.Save(checkpoint(gen, float64(gen))))
	}
	for i := 1; i <= 3; i++ {
		_, err := os.Stat(s.backupPath(i))
		assert.NoError(t, err, "backup %d should exist", i)
	}
	_, err := os.Stat(s.backupPath(4))
	assert.True(t, os.IsNotExist(err))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 6, got.Generation)
}

func TestCrashReloadReproducesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	s1, err := New(path, 3)
	require.NoError(t, err)
	require.NoError(t, s1.Save(checkpoint(7, 12_345.67)))
	// s1 goes away (crash); a new process opens the same path.

	s2, err := New(path, 3)
	require.NoError(t, err)
	got, err := s2.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, got.Generation)
	var session map[string]float64
	require.NoError(t, json.Unmarshal(got.Session, &session))
	assert.Equal(t, 12_345.67, session["equity"])
}

func TestProcessLockStalePIDCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marlin.lock")
	// A PID far above pid_max on any test box.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	l := NewProcessLock(path)
	require.NoError(t, l.Acquire())
	defer l.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "")
}

func TestProcessLockLivePIDRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marlin.lock")
	l1 := NewProcessLock(path)
	require.NoError(t, l1.Acquire()) // our own live pid
	defer l1.Release()

	l2 := NewProcessLock(path)
	err := l2.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another session holds the lock")
}
