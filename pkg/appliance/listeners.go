package appliance

import (
	"github.com/filmbot/appliance/pkg/audio"
	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/coordinator"
	"github.com/filmbot/appliance/pkg/monitoring"
	"github.com/filmbot/appliance/pkg/video"
)

// listeners count the events before passing them to the view

type videoListener struct {
	video.Listener
	m   *monitoring.Metrics
	dev string
}

func (l videoListener) OnFrame(f *video.Frame) { l.m.Frame(); l.Listener.OnFrame(f) }

func (l videoListener) OnError(err error) { l.m.Error(l.dev, err); l.Listener.OnError(err) }

func (l videoListener) OnState(st capture.Status) { l.m.State(l.dev, st.State); l.Listener.OnState(st) }

type audioListener struct {
	audio.Listener
	m   *monitoring.Metrics
	dev string
}

func (l audioListener) OnLevel(lv audio.Level) { l.m.Level(lv.Meter); l.Listener.OnLevel(lv) }

func (l audioListener) OnError(err error) { l.m.Error(l.dev, err); l.Listener.OnError(err) }

func (l audioListener) OnState(st capture.Status) { l.m.State(l.dev, st.State); l.Listener.OnState(st) }

type failures interface {
	OnError(err error)
	OnState(st capture.Status)
}

// busy shows a device taken by another process as a failed one.
func busy(l failures, dev string) func(error) {
	return func(err error) {
		l.OnError(capture.AsTerminal(err, dev))
		l.OnState(capture.Status{State: capture.Failed, Reason: err.Error()})
	}
}

type modeListener struct {
	coordinator.ModeListener
	m *monitoring.Metrics
}

func (l modeListener) OnModeChanged(mode coordinator.Mode, filename string) {
	l.m.Recording(mode == coordinator.Recording)
	l.ModeListener.OnModeChanged(mode, filename)
}
