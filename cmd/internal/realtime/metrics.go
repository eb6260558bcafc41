package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections  prometheus.Counter
	messages     *prometheus.CounterVec
	sendFailures prometheus.Counter
	transitions  *prometheus.CounterVec
	drops        prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg. Online users and typing
// sessions are exported as gauges sampled from the live maps.
func NewMetrics(reg prometheus.Registerer, registry *Registry, typing *TypingCoordinator) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatline",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Accepted websocket connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Persisted messages by type and chat type.",
		}, []string{"type", "chat_type"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatline",
			Subsystem: "messages",
			Name:      "send_failures_total",
			Help:      "Sends that failed to persist.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Subsystem: "messages",
			Name:      "status_transitions_total",
			Help:      "Forward status transitions notified to senders.",
		}, []string{"status"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatline",
			Subsystem: "ws",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a send queue was full or closing.",
		}),
	}

	collectors := []prometheus.Collector{m.connections, m.messages, m.sendFailures, m.transitions, m.drops}
	if registry != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatline",
			Name:      "online_users",
			Help:      "Users with a live connection.",
		}, func() float64 { return float64(registry.Len()) }))
	}
	if typing != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatline",
			Name:      "typing_sessions",
			Help:      "Conversations with at least one typing user.",
		}, func() float64 { return float64(typing.Len()) }))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) sent(t MessageType, scope Scope) {
	if m != nil {
		m.messages.WithLabelValues(string(t), scope.ChatType()).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) transition(s Status) {
	if m != nil {
		m.transitions.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}
