package video

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
)

var testFormats = []Format{
	{Encoding: "mjpeg", Width: 1920, Height: 1080, FPS: 60},
	{Encoding: "yuyv422", Width: 1920, Height: 1080, FPS: 60},
}

// fakeCam is a video device with scripted behavior.
type fakeCam struct {
	mu        sync.Mutex
	missing   bool
	good      map[string]bool
	failAfter int // reads after this number fail, 0 is never
	block     chan struct{}

	opens     int
	open      int
	reads     int
	openTimes []time.Time
}

func newFakeCam(good ...string) *fakeCam {
	c := fakeCam{good: map[string]bool{}}
	for _, g := range good {
		c.good[g] = true
	}
	return &c
}

func (c *fakeCam) Open(context.Context, device.Handle) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.openTimes = append(c.openTimes, time.Now())
	if c.missing {
		return nil, os.ErrNotExist
	}
	c.open++
	return &fakeDev{c: c}, nil
}

func (c *fakeCam) stats() (opens, open, reads int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.open, c.reads
}

type fakeDev struct {
	c      *fakeCam
	closed bool
}

func (d *fakeDev) Configure(_ context.Context, f Format) error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if !d.c.good[f.Encoding] {
		return errors.New("unsupported")
	}
	return nil
}

func (d *fakeDev) Read(context.Context) (*Frame, error) {
	d.c.mu.Lock()
	block := d.c.block
	d.c.reads++
	n := d.c.reads
	fail := d.c.failAfter > 0 && n > d.c.failAfter
	d.c.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("select timeout")
	}
	return NewFrame(2, 2), nil
}

func (d *fakeDev) Close() error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.c.open--
	}
	return nil
}

type recorder struct {
	cam *fakeCam

	mu         sync.Mutex
	frames     int
	errs       []error
	states     []capture.State
	violations int
}

func (r *recorder) OnFrame(*Frame) { r.mu.Lock(); r.frames++; r.mu.Unlock() }
func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnState(st capture.Status) {
	_, open, _ := r.cam.stats()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
	if !st.State.Holding() && open != 0 {
		r.violations++
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %v", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSupervisor(cam *fakeCam, opts Options) (*Supervisor, *recorder) {
	rec := &recorder{cam: cam}
	neg := NewNegotiator(cam, testFormats, 1, time.Second, logger.Nop())
	return NewSupervisor(neg, opts, rec, logger.Nop()), rec
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = 30 * time.Millisecond
	opts.StopTimeout = time.Second
	return opts
}

func lease(t *testing.T) *device.Lease {
	t.Helper()
	l, err := device.NewRegistry("", logger.Nop()).Acquire(context.Background(), "/dev/video5", device.Video)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		cam     *fakeCam
		want    Format
		err     error
		opens   int
		stillOn int
	}{
		{name: "first", cam: newFakeCam("mjpeg", "yuyv422"), want: testFormats[0], opens: 1, stillOn: 1},
		{name: "fallback", cam: newFakeCam("yuyv422"), want: testFormats[1], opens: 2, stillOn: 1},
		{name: "none", cam: newFakeCam(), err: capture.ErrNoUsableFormat, opens: 2},
		{name: "missing", cam: &fakeCam{missing: true}, err: capture.ErrDeviceUnavailable, opens: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			neg := NewNegotiator(tt.cam, testFormats, 1, time.Second, logger.Nop())
			dev, f, err := neg.Negotiate(context.Background(), "/dev/video5")
			if !errors.Is(err, tt.err) || (tt.err == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if f != tt.want {
				t.Errorf("format = %v, want %v", f, tt.want)
			}
			if (dev != nil) != (tt.err == nil) {
				t.Errorf("device = %v", dev)
			}
			opens, open, _ := tt.cam.stats()
			if opens != tt.opens || open != tt.stillOn {
				t.Errorf("opens %v (open %v), want %v (open %v)", opens, open, tt.opens, tt.stillOn)
			}
		})
	}
}

func TestStartIsIdempotent(t *testing.T) {
	cam := newFakeCam("mjpeg")
	s, rec := newTestSupervisor(cam, testOptions())
	l := lease(t)

	for i := 0; i < 3; i++ {
		if err := s.Start(l, 100); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "frames", func() bool { rec.mu.Lock(); defer rec.mu.Unlock(); return rec.frames > 2 })
	if err := s.Start(l, 100); err != nil {
		t.Fatal(err)
	}
	if opens, open, _ := cam.stats(); opens != 1 || open != 1 {
		t.Errorf("device opened %v times (%v open), want once", opens, open)
	}
	if s.State() != capture.Streaming {
		t.Errorf("state %v", s.State())
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if _, open, _ := cam.stats(); open != 0 || s.State() != capture.Stopped {
		t.Errorf("device is still open (%v) in %v", open, s.State())
	}
	if rec.violations > 0 {
		t.Errorf("device was held while not opening or streaming")
	}
}

func TestDeviceNeverExists(t *testing.T) {
	cam := &fakeCam{missing: true}
	opts := testOptions()
	s, rec := newTestSupervisor(cam, opts)

	if err := s.Start(lease(t), 30); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return s.State() == capture.Failed })
	time.Sleep(3 * opts.RetryDelay)

	opens, _, _ := cam.stats()
	if opens != 3 {
		t.Fatalf("open attempts %v, want 3", opens)
	}
	for i := 1; i < len(cam.openTimes); i++ {
		if gap := cam.openTimes[i].Sub(cam.openTimes[i-1]); gap < opts.RetryDelay {
			t.Errorf("attempt %v came after %v, want at least %v", i+1, gap, opts.RetryDelay)
		}
	}
	errs := rec.errors()
	if len(errs) != 1 {
		t.Fatalf("errors %v, want exactly one", errs)
	}
	if !errors.Is(errs[0], capture.ErrDeviceUnavailable) || !capture.IsTerminal(errs[0]) {
		t.Errorf("bad terminal error %v", errs[0])
	}
	if rec.violations > 0 {
		t.Errorf("device was held while not opening or streaming")
	}
}

func TestReadFailureLimit(t *testing.T) {
	cam := newFakeCam("mjpeg")
	cam.failAfter = 1 // the probe
	opts := testOptions()
	s, rec := newTestSupervisor(cam, opts)

	if err := s.Start(lease(t), 1000); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return s.State() == capture.Failed })
	time.Sleep(20 * time.Millisecond)

	if _, open, reads := cam.stats(); reads-1 != opts.MaxReadFailures || open != 0 {
		t.Errorf("stream reads %v (open %v), want %v", reads-1, open, opts.MaxReadFailures)
	}
	errs := rec.errors()
	if len(errs) != opts.MaxReadFailures {
		t.Fatalf("have %v errors, want %v", len(errs), opts.MaxReadFailures)
	}
	for i, err := range errs[:len(errs)-1] {
		if !errors.Is(err, capture.ErrTransientReadFailure) || capture.IsTerminal(err) {
			t.Errorf("error %v: %v should be transient", i, err)
		}
	}
	if last := errs[len(errs)-1]; !errors.Is(last, capture.ErrStreamDead) || !capture.IsTerminal(last) {
		t.Errorf("last error %v should be terminal", last)
	}
	if rec.violations > 0 {
		t.Errorf("device was held while not opening or streaming")
	}

	// a failed supervisor starts again
	cam.mu.Lock()
	cam.failAfter = 0
	cam.mu.Unlock()
	if err := s.Start(lease(t), 1000); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restart", func() bool { return s.State() == capture.Streaming })
	_ = s.Stop()
}

func TestStopWhileRetrying(t *testing.T) {
	cam := &fakeCam{missing: true}
	opts := testOptions()
	opts.RetryDelay = time.Hour
	s, _ := newTestSupervisor(cam, opts)

	if err := s.Start(lease(t), 30); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first attempt", func() bool { opens, _, _ := cam.stats(); return opens == 1 })

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("stop took %v", time.Since(start))
	}
	if s.State() != capture.Stopped {
		t.Errorf("state %v", s.State())
	}
}

func TestStopTimeout(t *testing.T) {
	cam := newFakeCam("mjpeg")
	opts := testOptions()
	opts.StopTimeout = 50 * time.Millisecond
	s, rec := newTestSupervisor(cam, opts)

	if err := s.Start(lease(t), 100); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "streaming", func() bool { return s.State() == capture.Streaming })

	unblock := make(chan struct{})
	cam.mu.Lock()
	cam.block = unblock
	cam.mu.Unlock()
	waitFor(t, "a blocked read", func() bool { _, _, reads := cam.stats(); time.Sleep(20 * time.Millisecond); r, _, _ := cam.stats(); return r == reads })

	err := s.Stop()
	if !errors.Is(err, capture.ErrStopTimeout) {
		t.Fatalf("stop err = %v", err)
	}
	if s.State() != capture.Failed {
		t.Errorf("state %v, want failed", s.State())
	}
	if errs := rec.errors(); len(errs) == 0 || !errors.Is(errs[len(errs)-1], capture.ErrStopTimeout) {
		t.Errorf("no stop timeout reported %v", errs)
	}
	if err = s.Start(lease(t), 100); !errors.Is(err, capture.ErrStopTimeout) {
		t.Errorf("start over a hung loop = %v", err)
	}

	cam.mu.Lock()
	cam.block = nil
	cam.mu.Unlock()
	close(unblock)
	waitFor(t, "release", func() bool { _, open, _ := cam.stats(); return open == 0 })
	waitFor(t, "restart", func() bool { return s.Start(lease(t), 100) == nil })
	waitFor(t, "streaming", func() bool { return s.State() == capture.Streaming })
	_ = s.Stop()
}

func TestStartNeedsLease(t *testing.T) {
	s, _ := newTestSupervisor(newFakeCam("mjpeg"), testOptions())
	l := lease(t)
	_ = l.Release()
	if err := s.Start(l, 30); !errors.Is(err, capture.ErrDeviceBusy) {
		t.Errorf("start with a released lease = %v", err)
	}
	if s.State() != capture.Stopped {
		t.Errorf("state %v", s.State())
	}
}

func TestFrameCopy(t *testing.T) {
	f := NewFrame(2, 1)
	copy(f.Pix, []uint8{1, 2, 3, 4, 5, 6, 7, 8})
	c := f.Clone()
	f.Pix[0] = 9
	if c.Pix[0] != 1 || c.Width != 2 || c.Height != 1 || c.Stride != 8 {
		t.Errorf("bad clone %+v", c)
	}
	img := c.Image()
	if r, g, _, _ := img.At(1, 0).RGBA(); r>>8 != 5 || g>>8 != 6 {
		t.Errorf("bad pixel %v", img.At(1, 0))
	}
}
