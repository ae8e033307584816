package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the dispatcher's operational counters.
type Metrics struct {
	Cycles            prometheus.Counter
	HeartbeatFailures prometheus.Counter
	EventsReceived    prometheus.Counter
	EventsUnhandled   prometheus.Counter
	HandlerFailures   prometheus.Counter
	Acks              prometheus.Counter
	AckFailures       prometheus.Counter
}

// NewMetrics registers the dispatcher counters with the given registerer.
// Tests pass a private registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_cycles_total",
			Help: "Number of heartbeat cycles executed.",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_heartbeat_failures_total",
			Help: "Number of heartbeat calls that failed.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_events_received_total",
			Help: "Number of events returned by heartbeats.",
		}),
		EventsUnhandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_events_unhandled_total",
			Help: "Number of events received without a registered handler.",
		}),
		HandlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_handler_failures_total",
			Help: "Number of handler invocations that returned an error or panicked.",
		}),
		Acks: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_acks_total",
			Help: "Number of events acknowledged successfully.",
		}),
		AckFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_dispatch_ack_failures_total",
			Help: "Number of acknowledgment calls that failed.",
		}),
	}
}
