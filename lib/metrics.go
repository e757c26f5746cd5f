package lib

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	segmentsSent   prometheus.Counter
	unacceptable   prometheus.Counter
	outOfOrder     prometheus.Counter
	violations     prometheus.Counter
	retransmits    prometheus.Counter
	accepted       prometheus.Counter
	active         prometheus.Gauge
	transitions    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "frames_received_total",
			Help:      "Frames read from the tun device.",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "frames_dropped_total",
			Help:      "Frames ignored before reaching a connection, by reason.",
		}, []string{"reason"}),
		segmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "segments_sent_total",
			Help:      "TCP segments written to the tun device.",
		}),
		unacceptable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "segments_unacceptable_total",
			Help:      "Inbound segments outside the receive window.",
		}),
		outOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "segments_out_of_order_total",
			Help:      "Inbound segments whose data was dropped for starting past the next expected byte.",
		}),
		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "protocol_violations_total",
			Help:      "Inbound segments without a transition in the current state.",
		}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "retransmissions_total",
			Help:      "Segments sent again after the retransmission timeout.",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "connections_accepted_total",
			Help:      "Connections created from an inbound SYN.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuntcp",
			Name:      "connections_active",
			Help:      "Connections not yet reaped.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuntcp",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
	}
}

// The methods below accept a nil receiver so connections built outside a
// TcpCore need no metrics.

func (m *metrics) segmentSent() {
	if m != nil {
		m.segmentsSent.Inc()
	}
}

func (m *metrics) retransmit() {
	if m != nil {
		m.retransmits.Inc()
	}
}

func (m *metrics) transition(from, to State) {
	if m != nil {
		m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func (m *metrics) drop(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}
