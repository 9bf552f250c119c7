package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

const namespace = "livequiz"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions     prometheus.Gauge
	connections  *prometheus.GaugeVec
	answers      *prometheus.CounterVec
	quizStarted  prometheus.Counter
	quizEnded    prometheus.Counter
	sendsDropped *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of sessions currently held by the registry.",
		}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_live",
			Help:      "Number of open quiz connections.",
		}, []string{"role"}),
		answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers recorded, by correctness.",
		}, []string{"result"}),
		quizStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quizzes_started_total",
			Help:      "Quizzes moved from the lobby to the first question.",
		}),
		quizEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quizzes_ended_total",
			Help:      "Quizzes that reached the ended state.",
		}),
		sendsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Outbound messages that could not be queued for a connection.",
		}, []string{"reason"}),
	}
}

// Subscribe keeps the session and quiz metrics in step with domain events.
func (m *Metrics) Subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameSessionCreated, func(context.Context, event.Event) error {
		m.sessions.Inc()
		return nil
	})
	eb.Subscribe(domain.EventNameSessionDiscarded, func(context.Context, event.Event) error {
		m.sessions.Dec()
		return nil
	})
	eb.Subscribe(domain.EventNameQuizStarted, func(context.Context, event.Event) error {
		m.quizStarted.Inc()
		return nil
	})
	eb.Subscribe(domain.EventNameQuizEnded, func(context.Context, event.Event) error {
		m.quizEnded.Inc()
		return nil
	})
	eb.Subscribe(domain.EventNameAnswerRecorded, func(_ context.Context, e event.Event) error {
		result := "wrong"
		if e.(domain.EventAnswerRecorded).Correct {
			result = "correct"
		}
		m.answers.WithLabelValues(result).Inc()
		return nil
	})
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) SendDropped(reason string) {
	if m == nil {
		return
	}
	m.sendsDropped.WithLabelValues(reason).Inc()
}
