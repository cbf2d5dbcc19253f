package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestNewFileLock(t *testing.T) {
	tmpDir := t.TempDir()
	workspaceID := "test-workspace-" + t.Name()

	lock, err := NewFileLock(workspaceID, tmpDir, nil)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if !lock.IsLocked() {
		t.Error("Expected lock to be held")
	}

	lock.Unlock()

	if lock.IsLocked() {
		t.Error("Expected lock to be released after Unlock()")
	}
}

func TestFileLockConcurrentAcquire(t *testing.T) {
	tmpDir := t.TempDir()
	workspaceID := "test-workspace-" + t.Name()
	cfg := shortLockConfig(200 * time.Millisecond)

	lock1, err := NewFileLock(workspaceID, tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Unlock()

	if _, err := NewFileLock(workspaceID, tmpDir, cfg); err == nil {
		t.Error("Expected second acquisition to fail while first is held")
	}
}

func TestFileLockReacquireAfterUnlock(t *testing.T) {
	tmpDir := t.TempDir()
	workspaceID := "test-workspace-" + t.Name()
	cfg := shortLockConfig(200 * time.Millisecond)

	lock1, err := NewFileLock(workspaceID, tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lock1.Unlock()

	lock2, err := NewFileLock(workspaceID, tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to reacquire released lock: %v", err)
	}
	lock2.Unlock()
}

func TestFileLockHeldDuration(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := NewFileLock("test-workspace", tmpDir, nil)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Unlock()

	time.Sleep(20 * time.Millisecond)
	if lock.HeldDuration() < 20*time.Millisecond {
		t.Errorf("Expected held duration >= 20ms, got %v", lock.HeldDuration())
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "workspace.lock")

	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatalf("Failed to create lock file: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("Failed to age lock file: %v", err)
	}

	// Without force, the stale lock is reported but kept.
	if err := CleanupStaleLocks(tmpDir, time.Hour, false); err != nil {
		t.Fatalf("CleanupStaleLocks failed: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Error("Expected lock file to survive without force")
	}

	if err := CleanupStaleLocks(tmpDir, time.Hour, true); err != nil {
		t.Fatalf("CleanupStaleLocks (force) failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("Expected stale lock file to be removed with force")
	}
}

func TestCleanupStaleLocksMissingFile(t *testing.T) {
	if err := CleanupStaleLocks(t.TempDir(), time.Hour, true); err != nil {
		t.Errorf("Expected nil for missing lock file, got %v", err)
	}
}
