// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is what the service periodically writes to its heartbeat
// file: enough for an external supervisor or dashboard to tell that
// the service is alive and what the pool looks like, without opening
// the socket.
type State struct {
	// Pid is the service process id.
	Pid int `json:"pid"`

	// Version is the service's build version string.
	Version string `json:"version"`

	// StartedAt is when the service process started.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when this state was written. Check compares it
	// against the staleness bound.
	UpdatedAt time.Time `json:"updated_at"`

	// Stats carries the service's own aggregate counters, encoded by
	// the writer. Readers that only care about liveness can ignore it.
	Stats json.RawMessage `json:"stats,omitempty"`
}

// Write atomically writes a heartbeat state file. The file is written
// to a temporary location in the same directory, fsynced, and renamed
// into place, so readers never see a partial write.
//
// The file is created with mode 0600. The parent directory must
// already exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling heartbeat state: %w", err)
	}
	// Trailing newline for clean file content.
	data = append(data, '\n')

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary heartbeat file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary heartbeat file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary heartbeat file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary heartbeat file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming heartbeat file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss
	// before the OS flushes directory metadata.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses a heartbeat state file. When the file does not
// exist, the returned error wraps os.ErrNotExist (testable with
// errors.Is).
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing heartbeat file %s: %w", path, err)
	}
	return state, nil
}

// Check reads a heartbeat state file and verifies it is fresh. Returns
// the state and true when the file exists and its UpdatedAt is within
// maxAge of now; a zero State and false when the file does not exist
// or has gone stale (the service stopped writing).
//
// Any other error (permission denied, corrupt JSON) is returned as-is
// so the caller can distinguish "no heartbeat" from "heartbeat exists
// but unreadable."
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if time.Since(state.UpdatedAt) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes a heartbeat state file. Idempotent: returns nil when
// the file does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing heartbeat file: %w", err)
	}
	return nil
}
