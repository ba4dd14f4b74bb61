package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func conversationDir(t *testing.T, conversationID string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "conversations", conversationID)
}

func TestAcquireRecordsOwnerPID(t *testing.T) {
	dir := conversationDir(t, "conv-1")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	want := fmt.Sprintf("pid=%d", os.Getpid())
	if !strings.Contains(string(data), want) {
		t.Errorf("lock file %q does not record %q", data, want)
	}
}

func TestSecondEngineForSameConversationRejected(t *testing.T) {
	dir := conversationDir(t, "conv-1")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(dir)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() = %v, want LockHeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("LockHeldError.PID = %d, want %d", held.PID, os.Getpid())
	}
}

func TestSiblingConversationsDoNotContend(t *testing.T) {
	base := t.TempDir()

	a, err := Acquire(filepath.Join(base, "conversations", "conv-a"))
	if err != nil {
		t.Fatalf("Acquire(conv-a) error = %v", err)
	}
	defer func() { _ = a.Release() }()

	b, err := Acquire(filepath.Join(base, "conversations", "conv-b"))
	if err != nil {
		t.Fatalf("Acquire(conv-b) error = %v", err)
	}
	defer func() { _ = b.Release() }()
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := conversationDir(t, "conv-1")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Reopening the conversation takes the lock again cleanly.
	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Errorf("repeated Release() error = %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}
