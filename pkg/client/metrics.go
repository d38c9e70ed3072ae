package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instrumentation. All methods are
// nil-safe so components can run uninstrumented.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	reconnects     prometheus.Counter
	messagesDedup  prometheus.Counter
	repliesDropped prometheus.Counter
}

// NewMetrics creates and registers the engine counters. Pass a private
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_frames_sent_total",
			Help: "Frames transmitted to the server",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_frames_received_total",
			Help: "Frames received from the server",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_frames_dropped_total",
			Help: "Inbound frames dropped as malformed or unknown",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_reconnect_attempts_total",
			Help: "Reconnection attempts",
		}),
		messagesDedup: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_messages_deduplicated_total",
			Help: "Inbound message events discarded as duplicates",
		}),
		repliesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flume_replies_dropped_total",
			Help: "Buffered replies dropped because the parent never arrived",
		}),
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) MessageDeduplicated() {
	if m != nil {
		m.messagesDedup.Inc()
	}
}

func (m *Metrics) ReplyDropped() {
	if m != nil {
		m.repliesDropped.Inc()
	}
}
