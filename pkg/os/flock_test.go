package os

import (
	"path/filepath"
	"testing"
)

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "video5.lock")

	a, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}

	if ok, err := a.TryLock(); !ok || err != nil {
		t.Fatalf("first lock should succeed, %v %v", ok, err)
	}
	if ok, _ := b.TryLock(); ok {
		t.Fatalf("second lock should fail while the first is held")
	}
	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}
	if ok, err := b.TryLock(); !ok || err != nil {
		t.Fatalf("lock should be free after unlock, %v %v", ok, err)
	}
	_ = b.Unlock()

	if !Exists(path) {
		t.Errorf("lock file %v should exist", path)
	}
}
