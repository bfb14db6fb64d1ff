package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/filmbot/appliance/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Observation is a single look at the marker.
type Observation struct {
	Marker Marker
	Err    error
}

// Observer reports the marker state until ctx is done,
// the first observation comes right away.
type Observer interface {
	Observe(ctx context.Context) <-chan Observation
}

func observe(path string) Observation {
	m, err := ReadMarker(path)
	return Observation{Marker: m, Err: err}
}

func send(ctx context.Context, out chan<- Observation, o Observation) bool {
	select {
	case out <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

// Poller checks the marker on a fixed interval.
type Poller struct {
	Path     string
	Interval time.Duration
}

func NewPoller(path string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{Path: path, Interval: interval}
}

func (p *Poller) Observe(ctx context.Context) <-chan Observation {
	out := make(chan Observation, 1)
	go func() {
		defer close(out)
		p.poll(ctx, out)
	}()
	return out
}

func (p *Poller) poll(ctx context.Context, out chan<- Observation) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if !send(ctx, out, observe(p.Path)) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

var errWatchClosed = errors.New("marker watch closed")

// Watcher follows file system events in the marker directory
// and rereads the marker on every resync period as well.
// When notifications don't work it falls back to polling.
type Watcher struct {
	Path   string
	Resync time.Duration

	log *logger.Logger
}

func NewWatcher(path string, resync time.Duration, log *logger.Logger) *Watcher {
	if resync <= 0 {
		resync = 5 * time.Second
	}
	return &Watcher{Path: filepath.Clean(path), Resync: resync, log: log}
}

func (w *Watcher) Observe(ctx context.Context) <-chan Observation {
	out := make(chan Observation, 1)
	go func() {
		defer close(out)
		if err := w.watch(ctx, out); err != nil {
			w.log.Warn().Err(err).Msg("Marker watch has failed, polling")
			NewPoller(w.Path, time.Second).poll(ctx, out)
		}
	}()
	return out
}

func (w *Watcher) watch(ctx context.Context, out chan<- Observation) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err = watcher.Add(filepath.Dir(w.Path)); err != nil {
		return err
	}

	ticker := time.NewTicker(w.Resync)
	defer ticker.Stop()

	if !send(ctx, out, observe(w.Path)) {
		return nil
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errWatchClosed
			}
			if filepath.Clean(event.Name) != w.Path {
				continue
			}
			if !send(ctx, out, observe(w.Path)) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatchClosed
			}
			w.log.Debug().Err(err).Msg("Marker watch")
		case <-ticker.C:
			if !send(ctx, out, observe(w.Path)) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
