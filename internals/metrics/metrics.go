package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms and peers
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_rooms_active",
		Help: "Number of active rooms",
	})

	PeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_peers_active",
		Help: "Number of joined peers across all rooms",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_total",
		Help: "Total signaling channels accepted",
	})

	// Negotiation
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_requests_total",
		Help: "Total signaling requests by type",
	}, []string{"type"})

	RequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_request_errors_total",
		Help: "Total failed signaling requests by error code",
	}, []string{"code"})

	EventsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_sent_total",
		Help: "Total push events fanned out by type",
	}, []string{"type"})

	// Media lifecycle
	ProducersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_producers_active",
		Help: "Number of live producers",
	})

	ConsumersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_consumers_active",
		Help: "Number of live consumers",
	})

	EngineOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signaling_engine_op_seconds",
		Help:    "Media engine call latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"op"})

	// Redis mirror
	StateErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_state_errors_total",
		Help: "Total presence-mirror write failures",
	})
)

func RecordRequest(msgType string) {
	RequestsTotal.WithLabelValues(msgType).Inc()
}

func RecordRequestError(code string) {
	RequestErrorsTotal.WithLabelValues(code).Inc()
}

func RecordEvent(eventType string) {
	EventsSentTotal.WithLabelValues(eventType).Inc()
}
