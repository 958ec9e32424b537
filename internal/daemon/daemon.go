// Package daemon is the lifecycle store for the gateway process. It persists
// the running daemon's PID and connection metadata so a separate CLI
// invocation can answer "is the daemon running, and where" without shared
// memory, and can stop or replace a stale daemon.
//
// Both files are advisory: their truth is always cross-checked against OS
// process liveness (signal 0), never trusted blindly.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidFileName    = "clawgate.pid"
	recordFileName = "daemon.json"
)

// Record is the on-disk daemon metadata, rewritten wholesale on each start.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Version   string    `json:"version"`
}

// PIDPath returns the one-line PID file path under the home directory.
func PIDPath(homeDir string) string {
	return filepath.Join(homeDir, pidFileName)
}

// RecordPath returns the DaemonRecord file path under the home directory.
func RecordPath(homeDir string) string {
	return filepath.Join(homeDir, recordFileName)
}

// WriteState persists the PID file and the DaemonRecord. Both are written
// wholesale; callers must only invoke this after a successful bind.
func WriteState(homeDir string, rec Record) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	if err := os.WriteFile(PIDPath(homeDir), []byte(strconv.Itoa(rec.PID)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon record: %w", err)
	}
	if err := os.WriteFile(RecordPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write daemon record: %w", err)
	}
	return nil
}

// ReadPID reads the PID file. Returns os.ErrNotExist if no daemon state is
// recorded.
func ReadPID(homeDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(homeDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// ReadRecord reads the DaemonRecord. The record is advisory context only;
// callers must never use it to decide liveness.
func ReadRecord(homeDir string) (*Record, error) {
	data, err := os.ReadFile(RecordPath(homeDir))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed daemon record: %w", err)
	}
	return &rec, nil
}

// ClearState removes the PID file and DaemonRecord. Missing files are fine;
// this runs as the final step of every stop path.
func ClearState(homeDir string) error {
	var firstErr error
	for _, path := range []string{PIDPath(homeDir), RecordPath(homeDir)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Alive reports whether the process with the given PID exists, using signal 0.
// EPERM counts as alive: the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Status is the verdict of a liveness check plus advisory context.
type Status struct {
	Running bool
	PID     int
	// Stale is set when a PID file exists but the process is gone. The
	// caller is responsible for clearing stale files.
	Stale bool
	// Record is attached to whichever verdict was reached; it never decides it.
	Record *Record
}

// Check reads the PID file and cross-checks OS liveness. A missing PID file
// means not-running regardless of any DaemonRecord found.
func Check(homeDir string) Status {
	st := Status{}
	if rec, err := ReadRecord(homeDir); err == nil {
		st.Record = rec
	}
	pid, err := ReadPID(homeDir)
	if err != nil {
		return st
	}
	st.PID = pid
	if Alive(pid) {
		st.Running = true
	} else {
		st.Stale = true
	}
	return st
}
