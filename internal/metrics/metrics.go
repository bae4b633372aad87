// Package metrics exposes prometheus collectors for a multiplexed exchange connection.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bitmexmd"

type Metrics struct {
	FramesIn    prometheus.Counter
	CommandsOut *prometheus.CounterVec
	Reconnects  prometheus.Counter
	Errors      *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "Inbound frames received from the exchange, pongs included.",
		}),
		CommandsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_out_total",
			Help:      "Outbound commands written to the socket.",
		}, []string{"op"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Physical reconnect attempts.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Published error events by kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting in the rate-limit queue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.FramesIn, m.CommandsOut, m.Reconnects, m.Errors, m.QueueDepth)
	}

	return m
}

func (m *Metrics) FrameIn() {
	if m == nil {
		return
	}
	m.FramesIn.Inc()
}

func (m *Metrics) CommandOut(op string) {
	if m == nil {
		return
	}
	m.CommandsOut.WithLabelValues(op).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Queued(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
