package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"marlin/internal/logger"
)

// ProcessLock is a single-instance guard. The lockfile holds the owner PID;
// a lock left behind by a dead process is detected and cleared on acquire.
type ProcessLock struct {
	path string
	held bool
}

func NewProcessLock(path string) *ProcessLock {
	return &ProcessLock{path: path}
}

func (l *ProcessLock) Acquire() error {
	dir := filepath.Dir(l.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating lock dir: %w", err)
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}
		pid, readErr := l.ownerPID()
		if readErr == nil && pidAlive(pid) {
			return fmt.Errorf("another session holds the lock (pid %d)", pid)
		}
		logger.Warnf("statestore: clearing stale lock %s (pid %d not running)", l.path, pid)
		if rmErr := os.Remove(l.path); rmErr != nil {
			return fmt.Errorf("clearing stale lock: %w", rmErr)
		}
	}
	return fmt.Errorf("could not acquire lock %s", l.path)
}

func (l *ProcessLock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("statestore: lock release failed: %v", err)
	}
	l.held = false
}

func (l *ProcessLock) ownerPID() (int, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
