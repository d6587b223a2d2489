package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// InstanceFileName is created inside the state directory while a process
// holds it.
const InstanceFileName = "leadpipe.lock"

// InstanceLock keeps a second LeadPipe process from opening the same SQLite
// state directory. LocalLocker only excludes within one process, so two
// processes sharing a file would interleave session steps.
type InstanceLock struct {
	file *os.File
	path string
}

// InstanceLockError reports which process already holds the directory.
type InstanceLockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *InstanceLockError) Error() string {
	msg := fmt.Sprintf("another LeadPipe instance is using this state directory (lock file %s)", e.Path)
	if e.Holder != "" {
		msg += ", holder: " + e.Holder
	}
	return msg
}

func (e *InstanceLockError) Unwrap() error { return e.Cause }

// AcquireInstance takes an exclusive flock on dir/leadpipe.lock. The kernel
// drops the lock when the process exits, however it exits.
func AcquireInstance(dir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, InstanceFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, &InstanceLockError{Path: path, Holder: describeHolder(path), Cause: err}
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "pid=%d\n", os.Getpid())
		f.Sync()
	}
	slog.Info("lock.AcquireInstance: state directory locked", "path", path, "pid", os.Getpid())
	return &InstanceLock{file: f, path: path}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("InstanceLock.Release: remove failed", "path", l.path, "error", rmErr)
	}
	return err
}

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

func parsePID(content string) int {
	_, rest, ok := strings.Cut(content, "pid=")
	if !ok {
		return 0
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
