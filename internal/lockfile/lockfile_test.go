package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, WithPlatform("console"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	h, err := readHolder(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if h.PID != os.Getpid() || h.Platform != "console" || h.Started == "" {
		t.Errorf("unexpected holder %+v", h)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(dir, WithPlatform("ws"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Platform != "ws" {
		t.Errorf("conflict should report the first holder, got %+v", lockErr.Holder)
	}
	msg := err.Error()
	for _, want := range []string{"already using the audio devices", dir, "platform ws", "(running)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message should contain %q: %s", want, msg)
		}
	}

	// The failed attempt must not clobber the holder's details.
	if h, _ := readHolder(lock1.Path()); h.Platform != "ws" {
		t.Errorf("holder details lost after conflict: %+v", h)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lock.Path())
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer again.Release()
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=12345\nplatform=ws\nstarted=2026-01-02T03:04:05Z\n", Holder{PID: 12345, Platform: "ws", Started: "2026-01-02T03:04:05Z"}},
		{"pid only", "pid=67890", Holder{PID: 67890}},
		{"invalid pid", "pid=abc\nplatform=console", Holder{Platform: "console"}},
		{"garbage", "pid12345\n\n=", Holder{}},
		{"empty", "", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHolder(tt.content); got != tt.want {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "" {
		t.Errorf("empty holder should render empty, got %q", got)
	}
	self := Holder{PID: os.Getpid(), Platform: "console"}
	if got := self.String(); got != fmt.Sprintf("PID %d, platform console (running)", os.Getpid()) {
		t.Errorf("unexpected rendering %q", got)
	}
	if !isProcessRunning(os.Getpid()) {
		t.Error("our own process should be detected as running")
	}
}
