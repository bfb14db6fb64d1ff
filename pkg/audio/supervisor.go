package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
)

type Listener interface {
	OnLevel(Level)
	OnError(error)
	OnState(capture.Status)
}

type Options struct {
	Format      PCM
	Window      time.Duration
	Interval    time.Duration
	Chunk       time.Duration
	StopTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Format:      DefaultPCM,
		Window:      500 * time.Millisecond,
		Interval:    100 * time.Millisecond,
		Chunk:       20 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}
}

// Supervisor runs a capture process of one audio device
// and reports the level of the latest samples on a fixed cadence.
// A failed capture is not retried.
type Supervisor struct {
	src      Source
	opts     Options
	listener Listener
	log      *logger.Logger

	mu     sync.Mutex
	status capture.Status
	run    *run
	hung   *run

	wmu    sync.Mutex
	window *Window
}

var idle = make(chan struct{})

func init() { close(idle) }

type run struct {
	device device.Handle
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func NewSupervisor(src Source, opts Options, listener Listener, log *logger.Logger) *Supervisor {
	return &Supervisor{
		src:      src,
		opts:     opts,
		listener: listener,
		log:      log,
		window:   NewWindow(opts.Format.Bytes(opts.Window)),
	}
}

func (s *Supervisor) Status() capture.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) State() capture.State { return s.Status().State }

// Level measures the current window.
func (s *Supervisor) Level() Level {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return Compute(s.window.Bytes())
}

func (s *Supervisor) WindowLen() int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.window.Len()
}

func (s *Supervisor) write(p []byte) {
	s.wmu.Lock()
	_, _ = s.window.Write(p)
	s.wmu.Unlock()
}

func (s *Supervisor) clear() {
	s.wmu.Lock()
	s.window.Reset()
	s.wmu.Unlock()
}

// Start spawns the capture of the leased device,
// it does nothing if the capture is opening or streaming already.
func (s *Supervisor) Start(lease *device.Lease) error {
	if !lease.Valid() || lease.Kind() != device.Audio {
		return capture.NewError(capture.KindDeviceBusy, "", errors.New("no audio device lease"))
	}

	s.mu.Lock()
	if s.status.State.Holding() {
		s.mu.Unlock()
		return nil
	}
	if s.hung != nil {
		select {
		case <-s.hung.done:
			s.hung = nil
		default:
			s.mu.Unlock()
			return capture.NewError(capture.KindStopTimeout, lease.Handle().String(), errors.New("previous capture still runs"))
		}
	}
	if s.run != nil {
		s.run.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{device: lease.Handle(), stop: make(chan struct{}), done: make(chan struct{}), cancel: cancel}
	s.run = r
	s.status = capture.Status{State: capture.Opening}
	s.mu.Unlock()

	s.clear()
	s.log.Info().Str("device", r.device.String()).Msg("Audio capture start")
	s.listener.OnState(capture.Status{State: capture.Opening})
	go s.loop(ctx, r)
	return nil
}

// Stop kills the capture, clears the window and reports no level.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	close(r.stop)
	r.cancel()

	timeout := time.NewTimer(s.opts.StopTimeout)
	defer timeout.Stop()
	select {
	case <-r.done:
	case <-timeout.C:
		err := capture.NewError(capture.KindStopTimeout, r.device.String(),
			fmt.Errorf("no release in %v", s.opts.StopTimeout)).Fatal()
		s.log.Error().Err(err).Msg("Audio capture stop")
		s.mu.Lock()
		s.hung = r
		s.mu.Unlock()
		s.update(capture.Status{State: capture.Failed, Reason: err.Error()})
		s.listener.OnError(err)
		return err
	}
	s.clear()
	s.update(capture.Status{State: capture.Stopped})
	s.listener.OnLevel(Level{})
	s.log.Info().Str("device", r.device.String()).Msg("Audio capture stopped")
	return nil
}

// Idle is closed once no capture loop holds the device,
// after a stop timeout that is when the hung loop ends.
func (s *Supervisor) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.hung != nil:
		return s.hung.done
	case s.run != nil:
		return s.run.done
	}
	return idle
}

func (s *Supervisor) update(st capture.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.listener.OnState(st)
}

func (s *Supervisor) set(r *run, st capture.Status) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	s.status = st
	s.mu.Unlock()
	s.listener.OnState(st)
	return true
}

func (s *Supervisor) fail(r *run, err *capture.Error) {
	s.clear()
	if s.set(r, capture.Status{State: capture.Failed, Reason: err.Error()}) {
		s.log.Error().Err(err).Msg("Audio capture failed")
		s.listener.OnError(err.Fatal())
		s.listener.OnLevel(Level{})
	}
}

func (s *Supervisor) loop(ctx context.Context, r *run) {
	defer close(r.done)

	h := r.device.String()
	rc, err := s.src.Open(ctx, r.device, s.opts.Format)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(r, capture.NewError(capture.KindDeviceUnavailable, h, err))
		}
		return
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sample(r, quit)
	}()

	streaming := false
	buf := make([]byte, max(s.opts.Format.Bytes(s.opts.Chunk), s.opts.Format.FrameSize()))
	for {
		var n int
		n, err = io.ReadFull(rc, buf)
		if n > 0 {
			s.write(buf[:n])
			if !streaming {
				streaming = s.set(r, capture.Status{State: capture.Streaming})
			}
		}
		if err != nil {
			break
		}
	}
	close(quit)
	wg.Wait()
	_ = rc.Close()

	if ctx.Err() != nil {
		return
	}
	kind := capture.KindStreamDead
	if !streaming {
		kind = capture.KindDeviceUnavailable
	}
	s.fail(r, capture.NewError(kind, h, fmt.Errorf("capture exited: %w", err)))
}

func (s *Supervisor) sample(r *run, quit <-chan struct{}) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.listener.OnLevel(s.Level())
		case <-quit:
			return
		case <-r.stop:
			return
		}
	}
}
