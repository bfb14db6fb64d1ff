package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
)

// Listener gets the output of a supervisor.
// The calls come from the capture goroutine and must not block for long.
type Listener interface {
	OnFrame(*Frame)
	OnError(error)
	OnState(capture.Status)
}

type Options struct {
	// Attempts is how many times an unavailable device is tried.
	Attempts   int
	RetryDelay time.Duration
	// MaxReadFailures is how many failed reads in a row end the stream.
	MaxReadFailures int
	ReadTimeout     time.Duration
	StopTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attempts:        3,
		RetryDelay:      time.Second,
		MaxReadFailures: 10,
		ReadTimeout:     DefaultProbeTimeout,
		StopTimeout:     5 * time.Second,
	}
}

// Supervisor runs the capture loop of one video device.
type Supervisor struct {
	neg      *Negotiator
	opts     Options
	listener Listener
	log      *logger.Logger

	mu     sync.Mutex
	status capture.Status
	run    *run
	// a loop which didn't stop in time
	hung *run
}

// idle is the Idle of a supervisor with no loop.
var idle = make(chan struct{})

func init() { close(idle) }

// run is one capture loop from Start to Stop.
type run struct {
	device device.Handle
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func NewSupervisor(neg *Negotiator, opts Options, listener Listener, log *logger.Logger) *Supervisor {
	return &Supervisor{neg: neg, opts: opts, listener: listener, log: log}
}

func (s *Supervisor) Status() capture.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) State() capture.State { return s.Status().State }

// Start begins capturing from the leased device.
// Start does nothing if the supervisor is opening or streaming already.
func (s *Supervisor) Start(lease *device.Lease, fps int) error {
	if !lease.Valid() || lease.Kind() != device.Video {
		return capture.NewError(capture.KindDeviceBusy, "", errors.New("no video device lease"))
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

	s.log.Info().Str("device", r.device.String()).Msgf("Video capture start, %v fps", fps)
	s.listener.OnState(capture.Status{State: capture.Opening})
	go s.loop(ctx, r, fps)
	return nil
}

// Stop ends capturing and waits until the device is closed.
// A loop that doesn't close the device in time leaves
// the supervisor failed with capture.ErrStopTimeout.
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
		s.log.Error().Err(err).Msg("Video capture stop")
		s.mu.Lock()
		s.hung = r
		s.mu.Unlock()
		s.update(capture.Status{State: capture.Failed, Reason: err.Error()})
		s.listener.OnError(err)
		return err
	}
	s.update(capture.Status{State: capture.Stopped})
	s.log.Info().Str("device", r.device.String()).Msg("Video capture stopped")
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

// set changes the state for the current loop only,
// updates of a stopped loop are dropped.
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

func (s *Supervisor) fail(r *run, err error) {
	terr := capture.AsTerminal(err, r.device.String())
	if s.set(r, capture.Status{State: capture.Failed, Reason: terr.Error()}) {
		s.log.Error().Err(terr).Msg("Video capture failed")
		s.listener.OnError(terr)
	}
}

func (s *Supervisor) stopped(r *run) bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// wait sleeps unless stopped.
func (s *Supervisor) wait(r *run, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	}
}

func (s *Supervisor) loop(ctx context.Context, r *run, fps int) {
	defer close(r.done)

	var dev Device
	var format Format
	for attempt := 1; ; attempt++ {
		var err error
		if dev, format, err = s.neg.Negotiate(ctx, r.device); err == nil {
			break
		}
		if s.stopped(r) {
			return
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("Video device open")
		if !errors.Is(err, capture.ErrDeviceUnavailable) || attempt >= s.opts.Attempts {
			s.fail(r, err)
			return
		}
		if !s.wait(r, s.opts.RetryDelay) {
			return
		}
	}

	if !s.set(r, capture.Status{State: capture.Streaming}) {
		_ = dev.Close()
		return
	}
	s.log.Info().Str("device", r.device.String()).Str("format", format.String()).Msg("Video streaming")
	s.stream(ctx, r, dev, fps)
}

func (s *Supervisor) stream(ctx context.Context, r *run, dev Device, fps int) {
	ticker := time.NewTicker(Pace(fps))
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-r.stop:
			_ = dev.Close()
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
		frame, err := dev.Read(rctx)
		cancel()
		if s.stopped(r) {
			_ = dev.Close()
			return
		}
		if err != nil {
			failures++
			if failures >= s.opts.MaxReadFailures {
				_ = dev.Close()
				s.fail(r, capture.NewError(capture.KindStreamDead, r.device.String(),
					fmt.Errorf("%v reads in a row: %w", failures, err)))
				return
			}
			s.log.Debug().Err(err).Int("failures", failures).Msg("Video read")
			s.listener.OnError(capture.NewError(capture.KindTransientReadFailure, r.device.String(), err))
			continue
		}
		failures = 0
		s.listener.OnFrame(frame)
	}
}

// WithFPS binds the target frame rate for callers
// that start supervisors with a lease only.
func (s *Supervisor) WithFPS(fps int) *Unit { return &Unit{s: s, fps: fps} }

type Unit struct {
	s   *Supervisor
	fps int
}

func (u *Unit) Start(lease *device.Lease) error { return u.s.Start(lease, u.fps) }
func (u *Unit) Stop() error                     { return u.s.Stop() }
func (u *Unit) State() capture.State            { return u.s.State() }
func (u *Unit) Idle() <-chan struct{}           { return u.s.Idle() }
