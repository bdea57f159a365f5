// Package lockfile keeps two sessions from writing into the same data directory.
//
// The lock is an flock on a file inside the directory, so the kernel releases it
// when the owning process exits, cleanly or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the data directory
const LockFileName = "exptools.lock"

// Lock is a held data directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the session holding a lock. It is written into the lock file
// so a second session can report who is in the way.
type Owner struct {
	Subject string
	RunID   string
}

func (o Owner) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", os.Getpid())
	if o.Subject != "" {
		fmt.Fprintf(&b, "subject=%s\n", o.Subject)
	}
	if o.RunID != "" {
		fmt.Fprintf(&b, "run=%s\n", o.RunID)
	}
	return b.String()
}

// AcquireLock takes an exclusive lock on dataDir, creating the directory if needed.
// If another process holds it, the returned error is a *LockError describing that
// process.
func AcquireLock(dataDir string, owner Owner) (*Lock, error) {
	lockPath := filepath.Join(dataDir, LockFileName)
	slog.Debug("Acquiring data directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	// O_TRUNC would wipe the holder's information before we know we own the lock
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("Data directory is locked by another session", "lock_path", lockPath, "holder", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired data directory lock", "lock_path", lockPath, "pid", os.Getpid(), "run_id", owner.RunID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(f *os.File, owner Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(owner.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", f.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var firstErr error
	// remove while still holding the lock so no other session sees our stale info
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	l.file = nil
	if firstErr != nil {
		slog.Error("Failed to release data directory lock cleanly", "lock_path", l.path, "error", firstErr)
		return fmt.Errorf("failed to release lock %s: %w", l.path, firstErr)
	}
	slog.Debug("Released data directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a data directory already locked by another session.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another ExpTools session is using this data directory (lock file: %s)", e.LockPath)
	if e.Holder != "" {
		msg += "; holder: " + e.Holder
	}
	return msg + fmt.Sprintf(". If no session is running the lock is stale and can be removed with: rm %s", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file of another session.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown"
	}
	info := parseLockInfo(string(data))
	if len(info) == 0 {
		return "unknown"
	}
	var parts []string
	if pid, err := strconv.Atoi(info["pid"]); err == nil && pid > 0 {
		state := "not running, stale lock"
		if isProcessRunning(pid) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", pid, state))
	}
	if s := info["subject"]; s != "" {
		parts = append(parts, "subject "+s)
	}
	if r := info["run"]; r != "" {
		parts = append(parts, "run "+r)
	}
	return strings.Join(parts, ", ")
}

// parseLockInfo reads the key=value lines of a lock file.
func parseLockInfo(content string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			info[k] = v
		}
	}
	return info
}

// isProcessRunning sends signal 0 to pid, which only checks that it exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
