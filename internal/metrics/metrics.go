// Package metrics exports session activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"chatline/internal/models"
	"chatline/internal/timeline"
	"chatline/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var transportStates = []transport.State{
	transport.StateDisconnected,
	transport.StateConnecting,
	transport.StateLive,
	transport.StateDegraded,
}

var chatStatuses = []models.ChatStatus{
	models.ChatStatusQueued,
	models.ChatStatusActive,
	models.ChatStatusInactive,
	models.ChatStatusCompleted,
	models.ChatStatusCancelled,
}

// Session records session client activity. It satisfies session.Observer.
type Session struct {
	registry *prometheus.Registry

	transportState *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	chatStatus     *prometheus.GaugeVec
	ingested       *prometheus.CounterVec
	sends          *prometheus.CounterVec
	sendLatency    prometheus.Histogram
}

func New() *Session {
	s := &Session{
		registry: prometheus.NewRegistry(),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatline",
			Name:      "transport_state",
			Help:      "1 for the current transport state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "transport_transitions_total",
			Help:      "Transport state changes by target state.",
		}, []string{"state"}),
		chatStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatline",
			Name:      "chat_status",
			Help:      "1 for the current chat status, 0 otherwise.",
		}, []string{"status"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "messages_ingested_total",
			Help:      "Messages added to the timeline by source.",
		}, []string{"source"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "sends_total",
			Help:      "Settled sends by outcome.",
		}, []string{"status"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatline",
			Name:      "send_latency_seconds",
			Help:      "Time from send to confirmation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		s.transportState,
		s.transitions,
		s.chatStatus,
		s.ingested,
		s.sends,
		s.sendLatency,
	)
	return s
}

func (s *Session) TransportState(state transport.State) {
	for _, st := range transportStates {
		s.transportState.WithLabelValues(st.String()).Set(boolGauge(st == state))
	}
	s.transitions.WithLabelValues(state.String()).Inc()
}

func (s *Session) StatusChanged(status models.ChatStatus) {
	for _, st := range chatStatuses {
		s.chatStatus.WithLabelValues(string(st)).Set(boolGauge(st == status))
	}
}

func (s *Session) MessagesIngested(src timeline.Source, n int) {
	s.ingested.WithLabelValues(src.String()).Add(float64(n))
}

func (s *Session) SendResolved(status models.DeliveryStatus, latency time.Duration) {
	s.sends.WithLabelValues(string(status)).Inc()
	if status == models.DeliverySent {
		s.sendLatency.Observe(latency.Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (s *Session) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
