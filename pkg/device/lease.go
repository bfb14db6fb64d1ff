package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/os"
)

// Registry hands out exclusive leases on devices.
type Registry struct {
	dir    string
	mu     sync.Mutex
	leases map[Handle]*Lease
	log    *logger.Logger
}

// NewRegistry makes a new registry keeping its lock files in dir.
// An empty dir disables cross-process locks.
func NewRegistry(dir string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{dir: dir, leases: make(map[Handle]*Lease), log: log}
}

// Lease is the ownership token of one device.
// Only the holder of a lease may open the device.
type Lease struct {
	handle Handle
	kind   Kind
	lock   *os.Flock
	reg    *Registry

	mu       sync.Mutex
	released bool
}

func (l *Lease) Handle() Handle { return l.handle }
func (l *Lease) Kind() Kind     { return l.kind }

// Valid is false after the lease has been released.
func (l *Lease) Valid() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Release returns the device to the registry. It's safe to call it many times.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	var err error
	if l.lock != nil {
		err = l.lock.Unlock()
	}
	l.reg.forget(l)
	return err
}

// Acquire takes the device or fails with capture.ErrDeviceBusy.
func (r *Registry) Acquire(_ context.Context, h Handle, kind Kind) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.leases[h]; taken {
		return nil, capture.NewError(capture.KindDeviceBusy, h.String(), fmt.Errorf("leased in-process"))
	}

	lease := &Lease{handle: h, kind: kind, reg: r}
	if r.dir != "" {
		lock, err := os.NewFileLock(filepath.Join(r.dir, h.LockName()))
		if err != nil {
			return nil, fmt.Errorf("device lock: %w", err)
		}
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("device lock %v: %w", lock.Path(), err)
		}
		if !ok {
			return nil, capture.NewError(capture.KindDeviceBusy, h.String(),
				fmt.Errorf("locked by another process (%v)", lock.Path()))
		}
		lease.lock = lock
	}
	r.leases[h] = lease
	r.log.Debug().Str("device", h.String()).Str("kind", string(kind)).Msg("Lease acquired")
	return lease, nil
}

// Held tells whether there is a live lease on the device in this process.
func (r *Registry) Held(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[h]
	return ok
}

func (r *Registry) forget(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases[l.handle] == l {
		delete(r.leases, l.handle)
		r.log.Debug().Str("device", l.handle.String()).Msg("Lease released")
	}
}
