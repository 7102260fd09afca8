// Package lockfile guards the state directory against concurrent service
// instances. Two processes polling the same outbox or sweeping the same job
// table would double-claim work, so startup takes an exclusive flock on a
// lock file; the kernel releases it automatically if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "easy-islanders.lock"

// Lock represents an active state directory lock.
type Lock struct {
	file       *os.File
	path       string
	instanceID string
	acquired   bool
}

// InstanceID returns the unique identifier written for this lock holder.
func (l *Lock) InstanceID() string {
	return l.instanceID
}

// Acquire takes an exclusive lock on the state directory. It fails immediately
// with a LockError when another instance already holds the lock.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing := readExistingLockInfo(lockPath)
		slog.Error("Failed to acquire lock, another instance is running",
			"lock_path", lockPath, "existing_lock_info", existing, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: existing, Cause: err}
	}

	instanceID := uuid.NewString()
	info := fmt.Sprintf("pid=%d\ninstance=%s\n", os.Getpid(), instanceID)
	if _, err := file.WriteString(info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "lock_path", lockPath, "error", err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid(), "instance", instanceID)
	return &Lock{file: file, path: lockPath, instanceID: instanceID, acquired: true}, nil
}

// Release releases the lock and removes the lock file. Safe to call multiple
// times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "lock_path", l.path, "error", err)
	}

	l.acquired = false
	l.file = nil
	slog.Info("Released state directory lock", "lock_path", l.path)
	return nil
}

// LockError is returned when the lock is held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another instance is already running against the same state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("; existing holder: %s", e.ExistingInfo)
	}
	msg += fmt.Sprintf("; if no other instance is running the lock is stale and can be removed with: rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo reads the current lock file to describe the holder in
// error messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	if pid := extractPID(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running, stale lock)", pid)
	}
	return fmt.Sprintf("process information: %s", strings.TrimSpace(content))
}

// extractPID pulls the pid=NNNN value out of lock file content.
func extractPID(content string) int {
	const pidPrefix = "pid="
	idx := strings.Index(content, pidPrefix)
	if idx == -1 {
		return 0
	}
	start := idx + len(pidPrefix)
	end := start
	for end < len(content) && content[end] >= '0' && content[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	pid, err := strconv.Atoi(content[start:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning checks whether a PID exists by sending signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
