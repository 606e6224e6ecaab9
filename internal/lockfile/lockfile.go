// Package lockfile keeps two AnchorLoop processes from driving the same
// microphone and speaker.
//
// The lock is an flock on a file in the state directory. The kernel drops it
// when the process exits, so a crash never leaves the devices claimed.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "anchorloop.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID      int
	Platform string
	Started  string
}

func (h Holder) String() string {
	if h.PID == 0 {
		return ""
	}
	s := fmt.Sprintf("PID %d", h.PID)
	if h.Platform != "" {
		s += ", platform " + h.Platform
	}
	if h.Started != "" {
		s += ", started " + h.Started
	}
	if isProcessRunning(h.PID) {
		return s + " (running)"
	}
	return s + " (not running - stale lock)"
}

// Lock is a held state-directory lock.
type Lock struct {
	file *os.File
	path string
}

// Option configures what Acquire records in the lock file.
type Option func(*Holder)

// WithPlatform records the speech platform that owns the audio devices.
func WithPlatform(name string) Option {
	return func(h *Holder) {
		h.Platform = name
	}
}

// Acquire takes the exclusive lock for stateDir, creating the directory if
// needed. If another process holds it, the error is a *LockError.
func Acquire(stateDir string, opts ...Option) (*Lock, error) {
	holder := Holder{PID: os.Getpid(), Started: time.Now().UTC().Format(time.RFC3339)}
	for _, opt := range opts {
		opt(&holder)
	}
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: acquiring lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing, _ := readHolder(lockPath)
		slog.Error("lockfile.Acquire: another AnchorLoop instance holds the lock", "lock_path", lockPath, "holder", existing.String())
		return nil, &LockError{LockPath: lockPath, Holder: existing, Cause: err}
	}

	if err := writeHolder(file, holder); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: lock acquired", "lock_path", lockPath, "pid", holder.PID, "platform", holder.Platform)
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("Lock.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("Lock.Release: lock released", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another AnchorLoop instance is already using the audio devices for this state directory (lock file %s)", e.LockPath)
	if h := e.Holder.String(); h != "" {
		msg += "; holder: " + h
	}
	return msg + "; stop it first, or remove the lock file if that process is gone"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nplatform=%s\nstarted=%s\n", h.PID, h.Platform, h.Started)
	if _, err := file.WriteString(content); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err)
	}
	return nil
}

func readHolder(lockPath string) (Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(string(data)), nil
}

// parseHolder reads key=value lines; unknown keys and malformed lines are skipped.
func parseHolder(content string) Holder {
	var h Holder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "platform":
			h.Platform = value
		case "started":
			h.Started = value
		}
	}
	return h
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
