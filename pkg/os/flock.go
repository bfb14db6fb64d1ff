package os

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is an advisory file lock shared with other processes
// (e.g. `flock /run/filmbot/video5.lock ffmpeg ...` in a recording script).
type Flock struct {
	f *flock.Flock
}

func NewFileLock(path string) (*Flock, error) {
	if path == "" {
		path = os.TempDir() + string(os.PathSeparator) + "filmbot.lock"
	}

	if err := CheckCreateDir(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}

	return &Flock{f: flock.New(path)}, nil
}

func (f *Flock) Lock() error   { return f.f.Lock() }
func (f *Flock) Unlock() error { return f.f.Unlock() }

// TryLock takes the lock without waiting, false means someone else holds it.
func (f *Flock) TryLock() (bool, error) { return f.f.TryLock() }

func (f *Flock) Locked() bool { return f.f.Locked() }
func (f *Flock) Path() string { return f.f.Path() }
