package monitoring

import (
	"net/http"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics of the capture side.
type Metrics struct {
	reg *prometheus.Registry

	frames   prometheus.Counter
	errors   *prometheus.CounterVec
	state    *prometheus.GaugeVec
	restarts *prometheus.CounterVec
	meter    prometheus.Gauge
	mode     prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		reg: reg,

		frames: f.NewCounter(prometheus.CounterOpts{
			Name: "filmbot_video_frames_total",
			Help: "Total preview frames read",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filmbot_capture_errors_total",
			Help: "Capture errors by device and kind",
		}, []string{"device", "kind"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "filmbot_capture_state",
			Help: "Capture state of the device (0 stopped, 1 opening, 2 streaming, 3 failed)",
		}, []string{"device"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filmbot_capture_starts_total",
			Help: "Number of times the device capture was opened",
		}, []string{"device"}),
		meter: f.NewGauge(prometheus.GaugeOpts{
			Name: "filmbot_audio_meter",
			Help: "Audio meter value 0..100",
		}),
		mode: f.NewGauge(prometheus.GaugeOpts{
			Name: "filmbot_recording",
			Help: "1 while the external recording holds the devices",
		}),
	}
}

func (m *Metrics) Frame() { m.frames.Inc() }

func (m *Metrics) Error(device string, err error) {
	m.errors.WithLabelValues(device, capture.KindOf(err).String()).Inc()
}

func (m *Metrics) State(device string, st capture.State) {
	m.state.WithLabelValues(device).Set(float64(st))
	if st == capture.Opening {
		m.restarts.WithLabelValues(device).Inc()
	}
}

func (m *Metrics) Level(meter float64) { m.meter.Set(meter) }

func (m *Metrics) Recording(on bool) {
	if on {
		m.mode.Set(1)
	} else {
		m.mode.Set(0)
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
