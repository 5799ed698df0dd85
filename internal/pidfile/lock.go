// Package pidfile implements the daemon's single-instance guard: an
// advisory-locked PID file at a conventional per-user path.
package pidfile

import "errors"

// ErrLockBusy is returned when a non-blocking exclusive lock cannot be
// acquired because another process already holds it.
var ErrLockBusy = errors.New("pidfile: lock busy, held by another process")

// IsLockBusy reports whether err indicates the lock is held elsewhere.
func IsLockBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}
