// Package console is the live view of the appliance: the latest
// preview frame, the audio level and the recording mode.
package console

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filmbot/appliance/pkg/audio"
	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/coordinator"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/video"
)

const queueSize = 256

// Snapshot is the immutable view state published on every refresh.
type Snapshot struct {
	Mode     coordinator.Mode `json:"mode"`
	Filename string           `json:"filename,omitempty"`
	Video    capture.Status   `json:"video"`
	Audio    capture.Status   `json:"audio"`
	Level    audio.Level      `json:"level"`
	Frames   uint64           `json:"frames"`
	Dropped  uint64           `json:"dropped,omitempty"`
	Error    string           `json:"error,omitempty"`
	Updated  time.Time        `json:"updated"`

	frame *video.Frame
}

// Signal tells whether there is a picture to show.
func (s *Snapshot) Signal() bool {
	return s.frame != nil && s.Mode == coordinator.Live && s.Video.State == capture.Streaming
}

type source int

const (
	fromVideo source = iota
	fromAudio
)

type event struct {
	apply func(s *Snapshot)
}

// View keeps the state on a single goroutine, the capture side
// only queues events which are applied on the refresh ticker.
// Frames bypass the queue, only the latest one is kept.
type View struct {
	events  chan event
	refresh time.Duration
	log     *logger.Logger

	fmu   sync.Mutex
	frame *video.Frame
	fresh bool

	dropped atomic.Uint64
	snap    atomic.Pointer[Snapshot]

	subscribers []func(*Snapshot)

	done chan struct{}
	wg   sync.WaitGroup
}

func NewView(refresh time.Duration, log *logger.Logger) *View {
	if refresh <= 0 {
		refresh = 40 * time.Millisecond
	}
	v := &View{
		events:  make(chan event, queueSize),
		refresh: refresh,
		log:     log,
		done:    make(chan struct{}),
	}
	v.snap.Store(&Snapshot{Updated: time.Now()})
	return v
}

// Subscribe adds a callback of published snapshots.
// Not safe after Run.
func (v *View) Subscribe(fn func(*Snapshot)) { v.subscribers = append(v.subscribers, fn) }

// Snapshot returns the last published state.
func (v *View) Snapshot() *Snapshot { return v.snap.Load() }

func (v *View) Run() {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.refresh)
		defer ticker.Stop()
		v.log.Debug().Msgf("View refresh every %v", v.refresh)
		state := *v.snap.Load()
		for {
			select {
			case <-ticker.C:
				v.tick(&state)
			case <-v.done:
				return
			}
		}
	}()
}

func (v *View) Stop() {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
	v.wg.Wait()
}

func (v *View) Shutdown(context.Context) error { v.Stop(); return nil }

func (v *View) String() string { return "view" }

// tick drains the queue and publishes the new state.
func (v *View) tick(state *Snapshot) {
	changed := false
	for drained := false; !drained; {
		select {
		case e := <-v.events:
			e.apply(state)
			changed = true
		default:
			drained = true
		}
	}

	v.fmu.Lock()
	if v.fresh {
		state.frame, v.frame, v.fresh = v.frame, nil, false
		state.Frames++
		changed = true
	}
	v.fmu.Unlock()

	if !changed {
		return
	}
	state.Dropped = v.dropped.Load()
	state.Updated = time.Now()
	s := *state
	v.snap.Store(&s)
	for _, fn := range v.subscribers {
		fn(&s)
	}
}

// push queues an event, optional events are dropped when the queue is full.
func (v *View) push(e event, optional bool) {
	if optional {
		select {
		case v.events <- e:
		default:
			v.dropped.Add(1)
		}
		return
	}
	select {
	case v.events <- e:
	case <-v.done:
	}
}

// OnFrame copies the frame for the next refresh.
func (v *View) OnFrame(f *video.Frame) {
	v.fmu.Lock()
	if v.frame == nil {
		v.frame = &video.Frame{}
	}
	f.CopyTo(v.frame)
	v.fresh = true
	v.fmu.Unlock()
}

func (v *View) OnLevel(l audio.Level) {
	v.push(event{apply: func(s *Snapshot) { s.Level = l }}, true)
}

func (v *View) OnModeChanged(mode coordinator.Mode, filename string) {
	v.push(event{apply: func(s *Snapshot) {
		s.Mode, s.Filename = mode, filename
		if mode == coordinator.Recording {
			s.frame, s.Level = nil, audio.Level{}
		}
	}}, false)
}

func (v *View) onError(err error) {
	msg := err.Error()
	v.push(event{apply: func(s *Snapshot) { s.Error = msg }}, !capture.IsTerminal(err))
}

func (v *View) onState(src source, st capture.Status) {
	v.push(event{apply: func(s *Snapshot) {
		switch src {
		case fromVideo:
			s.Video = st
			if !st.State.Holding() {
				s.frame = nil
			}
		case fromAudio:
			s.Audio = st
		}
		if st.State == capture.Streaming {
			s.Error = ""
		}
	}}, false)
}

// Video is the listener of the video supervisor.
func (v *View) Video() video.Listener { return videoSink{v} }

// Audio is the listener of the audio supervisor.
func (v *View) Audio() audio.Listener { return audioSink{v} }

type videoSink struct{ v *View }

func (s videoSink) OnFrame(f *video.Frame)    { s.v.OnFrame(f) }
func (s videoSink) OnError(err error)         { s.v.onError(err) }
func (s videoSink) OnState(st capture.Status) { s.v.onState(fromVideo, st) }

type audioSink struct{ v *View }

func (s audioSink) OnLevel(l audio.Level)     { s.v.OnLevel(l) }
func (s audioSink) OnError(err error)         { s.v.onError(err) }
func (s audioSink) OnState(st capture.Status) { s.v.onState(fromAudio, st) }
