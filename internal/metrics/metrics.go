// Package metrics exposes stream counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryanchriswhite/framelink/internal/device"
)

const namespace = "framelink"

// Direction labels the streams_active gauge.
type Direction string

const (
	Output Direction = "output"
	Input  Direction = "input"
)

// Metrics owns a private registry so that several instances (one per test)
// never collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	framesQueued     prometheus.Counter
	framesCompleted  prometheus.Counter
	framesLate       prometheus.Counter
	framesDropped    prometheus.Counter
	framesFlushed    prometheus.Counter
	framesOverqueued prometheus.Counter
	inputFrames      prometheus.Counter
	formatChanges    prometheus.Counter
	errors           *prometheus.CounterVec
	streamsActive    *prometheus.GaugeVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors and registers them together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		framesQueued:     counter("frames_queued_total", "Video frames scheduled for output."),
		framesCompleted:  counter("frames_completed_total", "Output frames handed back by the hardware."),
		framesLate:       counter("frames_late_total", "Output frames displayed late."),
		framesDropped:    counter("frames_dropped_total", "Output frames dropped by the hardware."),
		framesFlushed:    counter("frames_flushed_total", "Output frames flushed before display."),
		framesOverqueued: counter("frames_overqueued_total", "Output frames refused because the queue was full."),
		inputFrames:      counter("input_frames_total", "Frames delivered by input streams."),
		formatChanges:    counter("format_changes_total", "Input format changes applied."),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Status reports other than ok, by status and kind.",
		}, []string{"status", "kind"}),
		streamsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Open streams by direction.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesQueued,
		m.framesCompleted,
		m.framesLate,
		m.framesDropped,
		m.framesFlushed,
		m.framesOverqueued,
		m.inputFrames,
		m.formatChanges,
		m.errors,
		m.streamsActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for callers that add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameCompleted() { m.framesCompleted.Inc() }
func (m *Metrics) InputFrame()     { m.inputFrames.Inc() }
func (m *Metrics) FormatChanged()  { m.formatChanges.Inc() }

// FramesQueued adds n newly scheduled output frames.
func (m *Metrics) FramesQueued(n int64) {
	if n > 0 {
		m.framesQueued.Add(float64(n))
	}
}

// Report accounts for a status callback. Ok reports are not errors and
// only feed the per-frame counters.
func (m *Metrics) Report(status device.Status, kind device.ErrorKind) {
	switch kind {
	case device.FrameDisplayedLate:
		m.framesLate.Inc()
	case device.FrameDropped:
		m.framesDropped.Inc()
	case device.FrameFlushed:
		m.framesFlushed.Inc()
	case device.Overqueued:
		m.framesOverqueued.Inc()
	}
	if status == device.StatusOk {
		return
	}
	m.errors.WithLabelValues(status.String(), kind.String()).Inc()
}

func (m *Metrics) StreamOpened(d Direction) { m.streamsActive.WithLabelValues(string(d)).Inc() }
func (m *Metrics) StreamClosed(d Direction) { m.streamsActive.WithLabelValues(string(d)).Dec() }
