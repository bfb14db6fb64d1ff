package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/filmbot/appliance/pkg/device"
)

// Source opens a raw PCM stream of some device.
type Source interface {
	Open(ctx context.Context, h device.Handle, f PCM) (io.ReadCloser, error)
}

// Arecord captures with the ALSA arecord tool.
type Arecord struct{ Bin string }

func NewArecord(bin string) *Arecord {
	if bin == "" {
		bin = "arecord"
	}
	return &Arecord{Bin: bin}
}

func (a *Arecord) args(h device.Handle, f PCM) []string {
	return []string{
		"-q",
		"-D", h.String(),
		"-f", "S16_LE",
		"-r", strconv.Itoa(f.Rate),
		"-c", strconv.Itoa(f.Channels),
		"-t", "raw",
	}
}

func (a *Arecord) Open(ctx context.Context, h device.Handle, f PCM) (io.ReadCloser, error) {
	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, a.Bin, a.args(h, f)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := &syncWriter{w: &strings.Builder{}}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	if err = cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("arecord: %w", err)
	}
	return &process{cmd: cmd, out: out, cancel: cancel, stderr: stderr}, nil
}

// process is a capture process output,
// Read fails with its error output after the process exits.
type process struct {
	cmd    *exec.Cmd
	out    io.Reader
	cancel context.CancelFunc
	stderr *syncWriter
	once   sync.Once
}

func (p *process) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if err == io.EOF {
		// the error output is complete after the wait
		p.wait()
		if msg := p.stderr.String(); msg != "" {
			return n, fmt.Errorf("%w: %v", io.EOF, msg)
		}
	}
	return n, err
}

// Close kills the process, its exit status is of no interest then.
func (p *process) Close() error { p.wait(); return nil }

func (p *process) wait() {
	p.once.Do(func() {
		p.cancel()
		_ = p.cmd.Wait()
	})
}

type syncWriter struct {
	mu sync.Mutex
	w  *strings.Builder
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w.Len() > 1024 {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.w.String())
}
