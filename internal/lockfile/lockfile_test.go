package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	lock, err := AcquireLock(dataDir, Owner{Subject: "GdH", RunID: "run-1"})
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dataDir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	expected := fmt.Sprintf("pid=%d\nsubject=GdH\nrun=run-1\n", os.Getpid())
	if string(content) != expected {
		t.Errorf("Lock file content mismatch. Expected: %q, Got: %q", expected, string(content))
	}
}

func TestLockConflict(t *testing.T) {
	dataDir := t.TempDir()

	lock1, err := AcquireLock(dataDir, Owner{Subject: "GdH", RunID: "run-1"})
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dataDir, Owner{Subject: "JW"})
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another ExpTools session") || !strings.Contains(msg, dataDir) {
		t.Errorf("Error message should name the conflict and the lock path: %s", msg)
	}
	// the failed attempt must not clobber the holder's information
	if !strings.Contains(lockErr.Holder, "subject GdH") || !strings.Contains(lockErr.Holder, "run run-1") {
		t.Errorf("Holder = %q", lockErr.Holder)
	}
	if !strings.Contains(lockErr.Holder, "(running)") {
		t.Errorf("the holder is this test process and should be reported running: %q", lockErr.Holder)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dataDir := t.TempDir()
	lock, err := AcquireLock(dataDir, Owner{})
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

	lock2, err := AcquireLock(dataDir, Owner{})
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestParseLockInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
		want    string
	}{
		{"pid", "pid=12345\n", "pid", "12345"},
		{"subject after pid", "pid=1\nsubject=GdH\n", "subject", "GdH"},
		{"run id with dashes", "run=6f1c-aa\n", "run", "6f1c-aa"},
		{"missing", "garbage", "pid", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLockInfo(tt.content)[tt.key]; got != tt.want {
				t.Errorf("parseLockInfo(%q)[%q] = %q, want %q", tt.content, tt.key, got, tt.want)
			}
		})
	}
}

func TestDescribeStaleHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	// PIDs are bounded well below this on Linux
	if err := os.WriteFile(path, []byte("pid=2147483000\nsubject=GdH\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); !strings.Contains(got, "stale lock") {
		t.Errorf("describeHolder = %q, want a stale lock", got)
	}
}
