// Package coordinator hands the capture devices between
// the live console and the external recording job.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
)

type Mode int

const (
	Live Mode = iota
	Recording
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Recording:
		return "recording"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Policy tells what to do when the marker can't be checked.
type Policy int

const (
	// FailOpen treats an unreadable marker as absent.
	FailOpen Policy = iota
	// Hold keeps the current mode.
	Hold
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "live":
		return FailOpen, nil
	case "hold":
		return Hold, nil
	}
	return FailOpen, fmt.Errorf("unknown marker policy %q", s)
}

// Supervisor is a capture loop which needs a device lease to run.
type Supervisor interface {
	Start(lease *device.Lease) error
	// Stop fails with capture.ErrStopTimeout when the loop
	// doesn't let the device go in time.
	Stop() error
	State() capture.State
	// Idle is closed once no loop holds the device.
	Idle() <-chan struct{}
}

// Unit is a supervisor with its device.
type Unit struct {
	Name   string
	Device device.Handle
	Kind   device.Kind
	Sup    Supervisor
	// OnBusy gets the error when the device can't be leased,
	// the view shows it as a failure of the unit.
	OnBusy func(err error)

	lease *device.Lease
	busy  bool
}

// ModeListener is the view side of the mode switches.
type ModeListener interface {
	OnModeChanged(mode Mode, filename string)
}

var ErrNotLive = errors.New("restart is possible only in the live mode")

// Coordinator owns the device leases and gives them either to its
// supervisors (live mode) or to nobody while the marker says the
// recorder has them (recording mode).
type Coordinator struct {
	reg    *device.Registry
	obs    Observer
	units  []*Unit
	view   ModeListener
	policy Policy
	log    *logger.Logger

	mu       sync.Mutex
	mode     Mode
	filename string
	booted   bool

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New makes a coordinator of units, they are stopped in the
// given order and started in the same order.
func New(reg *device.Registry, obs Observer, view ModeListener, policy Policy, log *logger.Logger, units ...*Unit) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		reg:    reg,
		obs:    obs,
		units:  units,
		view:   view,
		policy: policy,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Filename is the recording file name from the marker.
func (c *Coordinator) Filename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filename
}

func (c *Coordinator) String() string { return "coordinator" }

func (c *Coordinator) Run() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		for o := range c.obs.Observe(c.ctx) {
			c.Observe(o)
		}
	}()
}

// Shutdown stops observing and then every supervisor.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAll()
	return nil
}

// Observe applies a marker observation.
func (c *Coordinator) Observe(o Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	present := o.Marker.Present
	if o.Err != nil {
		if c.policy == Hold {
			c.log.Warn().Err(o.Err).Str("mode", c.mode.String()).Msg("Marker check, mode is kept")
			return
		}
		c.log.Warn().Err(o.Err).Msg("Marker check, going live")
		present = false
	}

	if !c.booted {
		c.booted = true
		if present {
			c.toRecording(o.Marker.Filename)
		} else {
			c.startAll()
		}
		return
	}

	switch {
	case present && c.mode == Live:
		c.toRecording(o.Marker.Filename)
	case !present && c.mode == Recording:
		c.toLive()
	case present && o.Marker.Filename != c.filename:
		c.log.Info().Msgf("Recording file is now %v", o.Marker.Filename)
		c.filename = o.Marker.Filename
	case !present:
		c.retryBusy()
	}
}

// Restart starts again the supervisors that have stopped or failed.
func (c *Coordinator) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Live {
		return ErrNotLive
	}
	for _, u := range c.units {
		if st := u.Sup.State(); st == capture.Stopped || st == capture.Failed {
			c.log.Info().Str("device", u.Device.String()).Str("state", st.String()).Msgf("Restart %v", u.Name)
			c.start(u)
		}
	}
	return nil
}

func (c *Coordinator) toRecording(filename string) {
	c.log.Info().Str("mode", Recording.String()).Msgf("Recording has started [%v]", filename)
	c.stopAll()
	c.mode, c.filename = Recording, filename
	c.view.OnModeChanged(Recording, filename)
}

func (c *Coordinator) toLive() {
	c.log.Info().Str("mode", Live.String()).Msg("Recording has stopped")
	c.mode, c.filename = Live, ""
	c.view.OnModeChanged(Live, "")
	c.startAll()
}

func (c *Coordinator) startAll() {
	for _, u := range c.units {
		c.start(u)
	}
}

// retryBusy starts the units whose devices were taken by someone else.
func (c *Coordinator) retryBusy() {
	for _, u := range c.units {
		if u.busy {
			c.start(u)
		}
	}
}

func (c *Coordinator) start(u *Unit) {
	if !u.lease.Valid() {
		lease, err := c.reg.Acquire(c.ctx, u.Device, u.Kind)
		if err != nil {
			if !u.busy {
				c.log.Error().Err(err).Msgf("No %v", u.Name)
				if u.OnBusy != nil {
					u.OnBusy(err)
				}
			}
			u.busy = true
			return
		}
		if u.busy {
			c.log.Info().Str("device", u.Device.String()).Msgf("The %v device is free again", u.Name)
		}
		u.lease, u.busy = lease, false
	}
	if err := u.Sup.Start(u.lease); err != nil {
		c.log.Error().Err(err).Msgf("Couldn't start %v", u.Name)
		c.release(u)
	}
}

// stopAll stops the units one by one and takes back their devices.
// Stop failures are only logged.
func (c *Coordinator) stopAll() {
	for _, u := range c.units {
		u.busy = false
		if err := u.Sup.Stop(); err != nil {
			c.log.Error().Err(err).Msgf("Couldn't stop %v", u.Name)
			if errors.Is(err, capture.ErrStopTimeout) {
				c.releaseIdle(u)
				continue
			}
		}
		c.release(u)
	}
}

// releaseIdle gives the lease back only when the hung loop ends,
// until then the device stays taken for the recorder too.
func (c *Coordinator) releaseIdle(u *Unit) {
	lease, idle := u.lease, u.Sup.Idle()
	u.lease = nil
	if lease == nil {
		return
	}
	go func() {
		<-idle
		if err := lease.Release(); err != nil {
			c.log.Warn().Err(err).Str("device", u.Device.String()).Msg("Lease release")
		}
		c.log.Info().Str("device", u.Device.String()).Msgf("The hung %v loop has ended", u.Name)
	}()
}

func (c *Coordinator) release(u *Unit) {
	if err := u.lease.Release(); err != nil {
		c.log.Warn().Err(err).Str("device", u.Device.String()).Msg("Lease release")
	}
	u.lease = nil
}
