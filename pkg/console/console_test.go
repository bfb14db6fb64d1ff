package console

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filmbot/appliance/pkg/audio"
	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/coordinator"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/network/websocket"
	"github.com/filmbot/appliance/pkg/video"
	"github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
)

var blue = color.RGBA{B: 255, A: 255}

func filled(w, h int, c color.RGBA) *video.Frame {
	f := video.NewFrame(w, h)
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return f
}

// tick runs one refresh without the ticker.
func tick(v *View) *Snapshot {
	state := *v.Snapshot()
	v.tick(&state)
	return v.Snapshot()
}

func TestViewFrames(t *testing.T) {
	v := NewView(time.Hour, logger.Nop())

	v.Video().OnState(capture.Status{State: capture.Streaming})
	src := filled(4, 2, blue)
	v.OnFrame(src)
	v.OnFrame(filled(4, 2, white))
	// the source buffer is reused by the device
	src.Pix[0] = 7

	s := tick(v)
	if !s.Signal() {
		t.Fatalf("should have a signal, got %+v", s)
	}
	if s.Frames != 1 {
		t.Errorf("only the latest frame should count, got %v", s.Frames)
	}
	if s.frame.Pix[0] != 255 || s.frame.Pix[2] != 255 {
		t.Errorf("the latest frame should win, got %v", s.frame.Pix[:4])
	}

	prev := s
	v.OnFrame(filled(4, 2, blue))
	s = tick(v)
	if s.Frames != 2 || prev.frame.Pix[0] != 255 {
		t.Errorf("published snapshots should never change, %v %v", s.Frames, prev.frame.Pix[:4])
	}

	if again := tick(v); again != s {
		t.Errorf("nothing new, nothing published")
	}
}

func TestViewModes(t *testing.T) {
	v := NewView(time.Hour, logger.Nop())
	var published []*Snapshot
	v.Subscribe(func(s *Snapshot) { published = append(published, s) })

	v.Video().OnState(capture.Status{State: capture.Streaming})
	v.Audio().OnLevel(audio.Level{Meter: 50, DB: -50, Defined: true})
	v.OnFrame(filled(2, 2, blue))
	s := tick(v)
	if !s.Signal() || s.Level.Meter != 50 {
		t.Fatalf("bad live state %+v", s)
	}

	v.OnModeChanged(coordinator.Recording, "take1.mp4")
	s = tick(v)
	if s.Mode != coordinator.Recording || s.Filename != "take1.mp4" {
		t.Errorf("bad recording state %+v", s)
	}
	if s.Signal() || s.frame != nil || s.Level.Defined {
		t.Errorf("recording should clear the preview %+v", s)
	}

	v.OnModeChanged(coordinator.Live, "")
	v.Video().OnState(capture.Status{State: capture.Opening})
	s = tick(v)
	if s.Mode != coordinator.Live || s.Signal() {
		t.Errorf("bad live state %+v", s)
	}
	if len(published) != 3 {
		t.Errorf("want 3 published states, got %v", len(published))
	}
}

func TestViewErrors(t *testing.T) {
	v := NewView(time.Hour, logger.Nop())

	failed := capture.NewError(capture.KindDeviceUnavailable, "/dev/video5", nil).Fatal()
	v.Video().OnError(failed)
	v.Video().OnState(capture.Status{State: capture.Failed, Reason: failed.Error()})
	s := tick(v)
	if s.Error != failed.Error() || s.Video.State != capture.Failed {
		t.Errorf("bad failed state %+v", s)
	}

	v.Audio().OnState(capture.Status{State: capture.Streaming})
	if s = tick(v); s.Error != "" {
		t.Errorf("streaming should clear the error, got %q", s.Error)
	}
}

func TestViewDropsLevels(t *testing.T) {
	v := NewView(time.Hour, logger.Nop())
	for i := 0; i < queueSize+10; i++ {
		v.OnLevel(audio.Level{Meter: float64(i % 100), Defined: true})
	}
	if s := tick(v); s.Dropped != 10 {
		t.Errorf("want 10 dropped levels, got %v", s.Dropped)
	}
}

func TestViewRun(t *testing.T) {
	v := NewView(5*time.Millisecond, logger.Nop())
	updates := make(chan *Snapshot, 16)
	v.Subscribe(func(s *Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	v.Run()
	defer v.Stop()

	v.OnModeChanged(coordinator.Recording, "a.mp4")
	select {
	case s := <-updates:
		if s.Mode != coordinator.Recording {
			t.Errorf("bad state %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no refresh")
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		at   image.Point
		want color.RGBA
	}{
		{
			name: "recording",
			snap: Snapshot{Mode: coordinator.Recording, Filename: "a.mp4"},
			at:   image.Pt(10, 10),
			want: red,
		},
		{
			name: "no signal",
			snap: Snapshot{Video: capture.Status{State: capture.Failed}},
			at:   image.Pt(1, 1),
			want: black,
		},
		{
			name: "picture",
			snap: Snapshot{Video: capture.Status{State: capture.Streaming}, frame: filled(64, 36, blue)},
			at:   image.Pt(64, 20),
			want: blue,
		},
		{
			name: "hot meter",
			snap: Snapshot{Level: audio.Level{Meter: 100, DB: -40, Defined: true}},
			at:   image.Pt(127, 71),
			want: red,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			img := Render(&test.snap, 128, 72)
			if img.Bounds() != image.Rect(0, 0, 128, 72) {
				t.Fatalf("wrong size %v", img.Bounds())
			}
			if got := img.RGBAAt(test.at.X, test.at.Y); got != test.want {
				t.Errorf("pixel %v is %v, want %v", test.at, got, test.want)
			}
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct{ w0, h0, w, ww, wh int }{
		{w0: 1920, h0: 1080, w: 800, ww: 800, wh: 450},
		{w0: 640, h0: 480, w: 320, ww: 320, wh: 240},
		{w0: 0, h0: 0, w: 160, ww: 160, wh: 90},
		{w0: 4000, h0: 1, w: 10, ww: 10, wh: 1},
	}
	for _, test := range tests {
		if w, h := fit(test.w0, test.h0, test.w); w != test.ww || h != test.wh {
			t.Errorf("fit(%v, %v, %v) = %vx%v, want %vx%v", test.w0, test.h0, test.w, w, h, test.ww, test.wh)
		}
	}
}

type fakeRestarter struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRestarter) Restart() error { r.calls.Add(1); return r.err }

func newTestServer(t *testing.T, restarter Restarter) (*Server, *httptest.Server) {
	log := logger.Nop()
	view := NewView(time.Hour, log)
	s := &Server{
		view:      view,
		hub:       NewHub(log),
		upgrader:  websocket.NewUpgrader(),
		restarter: restarter,
		opts:      Options{Width: 320, Quality: 75},
		log:       log,
	}
	view.Subscribe(s.hub.Broadcast)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.hub.Close()
		ts.Close()
	})
	return s, ts
}

func TestStatus(t *testing.T) {
	s, ts := newTestServer(t, &fakeRestarter{})
	s.view.OnModeChanged(coordinator.Recording, "take2.mp4")
	tick(s.view)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("wrong content type %v", ct)
	}
	var status struct {
		Mode     string `json:"mode"`
		Filename string `json:"filename"`
		Video    struct {
			State string `json:"state"`
		} `json:"video"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Mode != "recording" || status.Filename != "take2.mp4" || status.Video.State != "stopped" {
		t.Errorf("bad status %+v", status)
	}
}

func TestRestart(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		code   int
		calls  int32
	}{
		{name: "ok", method: http.MethodPost, code: http.StatusAccepted, calls: 1},
		{name: "recording", method: http.MethodPost, err: coordinator.ErrNotLive, code: http.StatusConflict, calls: 1},
		{name: "get", method: http.MethodGet, code: http.StatusMethodNotAllowed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := &fakeRestarter{err: test.err}
			_, ts := newTestServer(t, r)
			req, _ := http.NewRequest(test.method, ts.URL+"/api/restart", nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != test.code {
				t.Errorf("got %v, want %v", resp.StatusCode, test.code)
			}
			if n := r.calls.Load(); n != test.calls {
				t.Errorf("restarted %v times, want %v", n, test.calls)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	s, ts := newTestServer(t, &fakeRestarter{})
	s.view.Video().OnState(capture.Status{State: capture.Streaming})
	s.view.OnFrame(filled(640, 480, blue))
	tick(s.view)

	tests := []struct {
		query string
		code  int
		w, h  int
	}{
		{query: "", code: http.StatusOK, w: 320, h: 240},
		{query: "?w=64", code: http.StatusOK, w: 64, h: 48},
		{query: "?w=5000", code: http.StatusOK, w: 1920, h: 1440},
		{query: "?w=abc", code: http.StatusBadRequest},
		{query: "?w=-1", code: http.StatusBadRequest},
	}
	for _, test := range tests {
		resp, err := http.Get(ts.URL + "/snapshot.jpg" + test.query)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != test.code {
			t.Errorf("%q: got %v, want %v", test.query, resp.StatusCode, test.code)
		}
		if test.code == http.StatusOK {
			if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
				t.Errorf("%q: wrong content type %v", test.query, ct)
			}
			conf, err := jpeg.DecodeConfig(resp.Body)
			if err != nil {
				t.Errorf("%q: bad jpeg, %v", test.query, err)
			} else if conf.Width != test.w || conf.Height != test.h {
				t.Errorf("%q: got %vx%v, want %vx%v", test.query, conf.Width, conf.Height, test.w, test.h)
			}
		}
		_ = resp.Body.Close()
	}
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t, &fakeRestarter{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "snapshot.jpg") {
		t.Errorf("not the console page")
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got %v for an unknown page", resp.StatusCode)
	}
}

func TestWebsocket(t *testing.T) {
	r := &fakeRestarter{err: errors.New("busy")}
	s, ts := newTestServer(t, r)
	s.view.OnModeChanged(coordinator.Recording, "take3.mp4")
	tick(s.view)

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var m struct {
		T    string          `json:"t"`
		Data json.RawMessage `json:"data"`
	}
	read := func() {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		m.T, m.Data = "", nil
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
	}

	read()
	if m.T != "status" || !strings.Contains(string(m.Data), "take3.mp4") {
		t.Errorf("the last status should come first, got %v %s", m.T, m.Data)
	}

	if err := conn.WriteMessage(gws.TextMessage, []byte(`{"t":"restart"}`)); err != nil {
		t.Fatal(err)
	}
	read()
	if m.T != "error" || string(m.Data) != `"busy"` {
		t.Errorf("want the restart error, got %v %s", m.T, m.Data)
	}
	if r.calls.Load() != 1 {
		t.Errorf("restart wasn't called")
	}

	s.view.OnModeChanged(coordinator.Live, "")
	tick(s.view)
	read()
	if m.T != "status" || !strings.Contains(string(m.Data), `"live"`) {
		t.Errorf("want the new status, got %v %s", m.T, m.Data)
	}
}
