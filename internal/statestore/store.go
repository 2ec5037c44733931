package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"marlin/internal/logger"

	"github.com/tidwall/gjson"
)

var ErrNoCheckpoint = errors.New("no usable checkpoint found")

// Checkpoint is the durable snapshot written on every state-mutating event
// and on shutdown. Broker and session payloads stay opaque here; owners
// serialize themselves.
type Checkpoint struct {
	Generation int             `json:"generation"`
	WrittenAt  int64           `json:"written_at"`
	Session    json.RawMessage `json:"session"`
	Broker     json.RawMessage `json:"broker"`
}

// Store persists checkpoints via write-temp-then-rename with rolling .bak.N
// backups, and recovers from a corrupted primary by walking the backups.
type Store struct {
	path    string
	backups int
}

func New(path string, backups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if backups <= 0 {
		backups = 3
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
	}
	return &Store{path: path, backups: backups}, nil
}

// Save writes the checkpoint atomically. The previous primary is rotated
// into the backup chain before the rename so a crash mid-write cannot lose
// the last good snapshot.
func (s *Store) Save(cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		s.rotateBackups()
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// Load returns the newest parseable checkpoint: the primary if it is sound,
// otherwise the first healthy backup. ErrNoCheckpoint when nothing usable
// exists (fresh start).
func (s *Store) Load() (*Checkpoint, error) {
	candidates := []string{s.path}
	for i := 1; i <= s.backups; i++ {
		candidates = append(candidates, s.backupPath(i))
	}
	for _, path := range candidates {
		cp, err := s.loadOne(path)
		if err == nil {
			if path != s.path {
				logger.Warnf("statestore: primary checkpoint unusable, recovered from %s (generation %d)", path, cp.Generation)
			}
			return cp, nil
		}
		if !os.IsNotExist(err) {
			logger.Warnf("statestore: checkpoint %s rejected: %v", path, err)
		}
	}
	return nil, ErrNoCheckpoint
}

func (s *Store) loadOne(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Validity check before unmarshal: a torn write is the common
	// corruption, and gjson spots it without allocating the whole tree.
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid json")
	}
	if !gjson.GetBytes(raw, "generation").Exists() {
		return nil, fmt.Errorf("missing generation field")
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) rotateBackups() {
	// Oldest falls off the end; primary becomes .bak.1.
	os.Remove(s.backupPath(s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		os.Rename(s.backupPath(i), s.backupPath(i+1))
	}
	if err := copyFile(s.path, s.backupPath(1)); err != nil {
		logger.Warnf("statestore: backup rotation failed: %v", err)
	}
}

func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.bak.%d", s.path, n)
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}
