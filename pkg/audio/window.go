// Package audio estimates the live microphone level.
package audio

// Window is a non-thread safe FIFO of the latest PCM bytes.
// It should be used for 16bit PCM (LE interleaved) data.
// When full, the oldest bytes are dropped first.
type Window struct {
	buf []byte
	r   int
	n   int
}

func NewWindow(capacity int) *Window { return &Window{buf: make([]byte, capacity)} }

// Write appends p keeping only the last Cap bytes.
func (w *Window) Write(p []byte) (int, error) {
	size := len(w.buf)
	if size == 0 {
		return len(p), nil
	}
	written := len(p)
	if len(p) >= size {
		copy(w.buf, p[len(p)-size:])
		w.r, w.n = 0, size
		return written, nil
	}
	// write to the tail, wrapping around
	wi := (w.r + w.n) % size
	c := copy(w.buf[wi:], p)
	copy(w.buf, p[c:])
	w.n += len(p)
	if over := w.n - size; over > 0 {
		w.r = (w.r + over) % size
		w.n = size
	}
	return written, nil
}

func (w *Window) Len() int { return w.n }
func (w *Window) Cap() int { return len(w.buf) }

// Bytes returns a copy of the window contents, oldest first.
func (w *Window) Bytes() []byte {
	out := make([]byte, w.n)
	c := copy(out, w.buf[w.r:min(w.r+w.n, len(w.buf))])
	copy(out[c:], w.buf[:w.n-c])
	return out
}

func (w *Window) Reset() { w.r, w.n = 0, 0 }
