package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// RunState describes a running daemon. It is written next to the socket
// while the daemon runs and removed on exit.
type RunState struct {
	PID         int       `json:"pid"`
	Socket      string    `json:"socket"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// WriteRunState writes state to path.
func WriteRunState(path string, state *RunState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadRunState reads the state at path.
// Returns nil, nil if the file does not exist or the recorded process is no longer running.
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %q: %w", path, err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state %q: %w", path, err)
	}
	if state.PID > 0 && !pidAlive(state.PID) {
		_ = os.Remove(path)
		return nil, nil
	}
	return &state, nil
}

// RemoveRunState deletes the state file at path.
func RemoveRunState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state %q: %w", path, err)
	}
	return nil
}

// pidAlive reports whether a process with the given PID is running.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
