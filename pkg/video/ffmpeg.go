package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
)

// Device is an opened video device.
type Device interface {
	// Configure makes the device produce frames of the given format.
	Configure(ctx context.Context, f Format) error
	// Read blocks until the next frame or ctx is done.
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

type Opener interface {
	Open(ctx context.Context, h device.Handle) (Device, error)
}

// Ffmpeg opens V4L2 devices through an ffmpeg process
// which decodes and scales the picture into raw RGBA.
type Ffmpeg struct {
	Bin    string
	Width  int
	Height int

	log *logger.Logger
}

func NewFfmpeg(bin string, w, h int, log *logger.Logger) *Ffmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Ffmpeg{Bin: bin, Width: w, Height: h, log: log}
}

// Open checks that the device node can be opened right now,
// the capture itself starts with Configure.
func (f *Ffmpeg) Open(_ context.Context, h device.Handle) (Device, error) {
	node, err := os.OpenFile(string(h), os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	_ = node.Close()
	return &ffmpegDevice{bin: f.Bin, path: string(h), frame: NewFrame(f.Width, f.Height), log: f.log}, nil
}

type ffmpegDevice struct {
	bin  string
	path string
	log  *logger.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    *os.File
	errs   *tail
	frame  *Frame
	off    int
	// some bytes came from the current process
	got    bool
	waited bool
}

// openFailures are ffmpeg messages of a device that exists but can't be used now.
var openFailures = []string{
	"Device or resource busy",
	"Permission denied",
	"No such file or directory",
	"No such device",
	"Cannot open video device",
}

func openFailed(msg string) bool {
	for _, f := range openFailures {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

func (d *ffmpegDevice) args(f Format) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "v4l2",
		"-input_format", f.Encoding,
		"-video_size", f.Size(),
		"-framerate", strconv.Itoa(f.FPS),
		"-i", d.path,
		"-vf", fmt.Sprintf("scale=%d:%d", d.frame.Width, d.frame.Height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	}
}

// Configure (re)starts the capture process, it lives
// until the device is closed or ctx is canceled.
func (d *ffmpegDevice) Configure(ctx context.Context, f Format) error {
	d.kill()

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, d.bin, d.args(f)...)
	d.errs = &tail{max: 1024}
	cmd.Stdout, cmd.Stderr = pw, d.errs
	cmd.WaitDelay = time.Second
	if err = cmd.Start(); err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("ffmpeg: %w", err)
	}
	_ = pw.Close()
	d.cmd, d.cancel, d.out = cmd, cancel, pr
	d.got, d.waited = false, false
	d.log.Debug().Str("device", d.path).Msgf("ffmpeg pid %v [%v]", cmd.Process.Pid, f)
	return nil
}

func (d *ffmpegDevice) Read(ctx context.Context) (*Frame, error) {
	if d.out == nil {
		return nil, errors.New("not configured")
	}
	deadline, _ := ctx.Deadline()
	_ = d.out.SetReadDeadline(deadline)
	n, err := io.ReadFull(d.out, d.frame.Pix[d.off:])
	d.off += n
	d.got = d.got || n > 0
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// the rest of the frame comes with the next read
			return nil, fmt.Errorf("no frame: %w", context.DeadlineExceeded)
		}
		// the process is gone, its error output is complete after the wait
		d.wait()
		msg := d.errs.String()
		if !d.got && openFailed(msg) {
			return nil, capture.NewError(capture.KindDeviceUnavailable, d.path, errors.New(msg))
		}
		if msg != "" {
			return nil, fmt.Errorf("%w: %v", err, msg)
		}
		return nil, err
	}
	d.off = 0
	return d.frame, nil
}

func (d *ffmpegDevice) Close() error { d.kill(); return nil }

func (d *ffmpegDevice) kill() {
	if d.cmd == nil {
		return
	}
	d.cancel()
	d.wait()
	_ = d.out.Close()
	d.cmd, d.out, d.off = nil, nil, 0
}

func (d *ffmpegDevice) wait() {
	if !d.waited {
		_ = d.cmd.Wait()
		d.waited = true
	}
}

// tail keeps the last bytes of some process output.
type tail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Pace is the read interval for the frame rate.
func Pace(fps int) time.Duration {
	if fps <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(fps)
}
