package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Info is the JSON body written to the PID file. ParentPID lets a daemon
// started by a CLI wrapper detect when its launcher has died.
type Info struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	SocketPath string   `json:"socket_path"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// File represents a held PID file lock. Close releases the lock and removes
// the file.
type File struct {
	f    *os.File
	path string
}

// Acquire opens (creating if needed) the PID file at path and takes an
// exclusive non-blocking advisory lock on it. On success the file is
// truncated and info is written. Returns ErrLockBusy if another live daemon
// holds the lock.
func Acquire(path string, info Info) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pidfile: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open: %w", err)
	}

	if err := flockExclusiveNonBlock(f); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: truncate: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: seek: %w", err)
	}

	data, err := json.Marshal(info)
	if err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: marshal: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: sync: %w", err)
	}

	return &File{f: f, path: path}, nil
}

// Close releases the lock, closes, and removes the PID file.
func (p *File) Close() error {
	err := flockUnlock(p.f)
	closeErr := p.f.Close()
	if err == nil {
		err = closeErr
	}
	_ = os.Remove(p.path)
	return err
}

// Read reads the Info from an existing PID file without locking it.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("pidfile: parse %s: %w", path, err)
	}
	return info, nil
}

// IsLive reads the PID file at path and reports whether the process it
// names is still running. Any read/parse error is treated as "not live" —
// a stale or missing PID file never blocks a fresh daemon from starting.
func IsLive(path string) (Info, bool) {
	info, err := Read(path)
	if err != nil {
		return Info{}, false
	}
	return info, isProcessRunning(info.PID)
}
