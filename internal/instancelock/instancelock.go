// Package instancelock enforces single-process ownership of a base directory
// through a PID file in the process-private temp area.
package instancelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

// FileName is the lock file name inside the temp area.
const FileName = "server.pid"

// Record is the JSON payload stored in the lock file.
type Record struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt string `json:"startedAt"`
}

// ErrHeld reports a lock owned by a live process.
type ErrHeld struct {
	Path string
	Rec  Record
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf(
		"instancelock: another server (pid %d, port %d, started %s) owns this directory; stop it or remove %s",
		e.Rec.PID, e.Rec.Port, e.Rec.StartedAt, e.Path,
	)
}

// Lock is a held instance lock.
type Lock struct {
	path string
	pid  int
}

// Acquire claims the lock file at path. A file naming a live process refuses
// with ErrHeld; a dead or unparsable file is overwritten.
func Acquire(path string, port int, startedAt time.Time, logger pslog.Logger) (*Lock, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("instancelock: read %q: %w", path, err)
	default:
		var rec Record
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil {
			logger.Warn("instancelock.unparsable", "path", path, "error", jsonErr)
		} else if pidAlive(rec.PID) {
			return nil, &ErrHeld{Path: path, Rec: rec}
		} else {
			logger.Info("instancelock.stale", "path", path, "pid", rec.PID)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("instancelock: prepare %q: %w", filepath.Dir(path), err)
	}
	rec := Record{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: startedAt.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("instancelock: encode record: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("instancelock: write %q: %w", path, err)
	}
	return &Lock{path: path, pid: rec.PID}, nil
}

// Release removes the lock file, but only while its PID still names this
// process.
func (l *Lock) Release() error {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("instancelock: read %q: %w", l.path, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err == nil && rec.PID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("instancelock: remove %q: %w", l.path, err)
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Probe failure: err on the side of refusing to steal the lock.
		return true
	}
	return alive
}
