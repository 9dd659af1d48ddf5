package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// singleInstanceLock enforces that only one pilotd process runs against a
// given root directory at a time, grounded on
// original_source/src/process_manager.py's file-lock-with-PID-tracking
// fallback path (the Windows named-mutex branch there has no Go
// equivalent worth carrying; flock is the portable primitive this
// module's target platforms all support).
type singleInstanceLock struct {
	path string
	file *os.File
}

// alreadyRunningError is returned by acquireSingleInstanceLock when another
// live process already holds the lock.
type alreadyRunningError struct{ pid int }

func (e *alreadyRunningError) Error() string {
	return fmt.Sprintf("another pilotd instance is already running (pid %d)", e.pid)
}

// IsAlreadyRunning reports whether err (or something it wraps) is the
// conflict AcquireSingleInstanceLock returns when a live process already
// holds the lock, letting cmd/pilotd map it to its documented exit code
// without depending on the unexported error type.
func IsAlreadyRunning(err error) bool {
	var target *alreadyRunningError
	return errors.As(err, &target)
}

// acquireSingleInstanceLock takes an exclusive, non-blocking flock on
// <rootDir>/run/pilotd.lock, recovering a stale lock left behind by a
// process that is no longer alive.
func acquireSingleInstanceLock(rootDir string) (*singleInstanceLock, error) {
	path := filepath.Join(rootDir, "run", "pilotd.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := readLockPID(f)
		if pid > 0 && processAlive(pid) {
			f.Close()
			return nil, &alreadyRunningError{pid: pid}
		}
		// Stale lock: the holder is gone, but flock ownership is tied to
		// the file descriptor that created it, not the file's contents, so
		// a dead process's lock releases itself once that process exits.
		// Retry once in case this raced the kernel's own cleanup.
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("acquiring lock: %w", err)
		}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}

	return &singleInstanceLock{path: path, file: f}, nil
}

func readLockPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// release drops the lock and removes the lock file.
func (l *singleInstanceLock) release() {
	if l == nil || l.file == nil {
		return
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	_ = os.Remove(l.path)
}
