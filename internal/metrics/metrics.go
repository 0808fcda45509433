// Package metrics exposes link counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame results used as the "result" label of FramesTotal.
const (
	FrameOK               = "ok"
	FrameChecksumMismatch = "checksum_mismatch"
	FrameTooShort         = "too_short"
	FrameOverflow         = "overflow"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// LinkMetrics holds the link counters. A nil *LinkMetrics is valid and records nothing.
type LinkMetrics struct {
	FramesTotal           *prometheus.CounterVec // labels: result
	BytesReceived         prometheus.Counter
	BytesSent             prometheus.Counter
	StateTransitionsTotal *prometheus.CounterVec // labels: state
	MessagesTotal         prometheus.Counter
	DevicesDiscovered     prometheus.Gauge
}

// NewLinkMetrics registers and returns the link counters.
func NewLinkMetrics(reg prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ubplink",
			Name:      "frames_total",
			Help:      "Frames processed by the decoder, by result.",
		}, []string{"result"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ubplink",
			Name:      "bytes_received_total",
			Help:      "Notification bytes received from the peripheral.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ubplink",
			Name:      "bytes_sent_total",
			Help:      "Frame bytes written to the peripheral.",
		}),
		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ubplink",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions, by entered state.",
		}, []string{"state"}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ubplink",
			Name:      "messages_total",
			Help:      "Messages delivered to the consumer.",
		}),
		DevicesDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ubplink",
			Name:      "devices_discovered",
			Help:      "Devices reported by the last completed scan window.",
		}),
	}
	reg.MustRegister(m.FramesTotal, m.BytesReceived, m.BytesSent, m.StateTransitionsTotal, m.MessagesTotal, m.DevicesDiscovered)
	return m
}

func (m *LinkMetrics) ObserveFrame(result string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(result).Inc()
}

func (m *LinkMetrics) ObserveReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *LinkMetrics) ObserveSent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}

func (m *LinkMetrics) ObserveState(state string) {
	if m == nil {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(state).Inc()
}

func (m *LinkMetrics) ObserveMessage() {
	if m == nil {
		return
	}
	m.MessagesTotal.Inc()
}

func (m *LinkMetrics) ObserveScan(devices int) {
	if m == nil {
		return
	}
	m.DevicesDiscovered.Set(float64(devices))
}
