package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

func TestMetrics_Subscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics(prometheus.NewRegistry())
	eb := event.NewBus()
	m.Subscribe(eb)

	eb.Publish(ctx, domain.EventSessionCreated{Code: "A"})
	eb.Publish(ctx, domain.EventSessionCreated{Code: "B"})
	eb.Publish(ctx, domain.EventSessionDiscarded{Code: "A"})
	eb.Publish(ctx, domain.EventQuizStarted{Code: "B"})
	eb.Publish(ctx, domain.EventAnswerRecorded{Code: "B", Correct: true})
	eb.Publish(ctx, domain.EventAnswerRecorded{Code: "B", Correct: false})
	eb.Publish(ctx, domain.EventAnswerRecorded{Code: "B", Correct: true})
	eb.Publish(ctx, domain.EventQuizEnded{Code: "B"})
	eb.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quizStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quizEnded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.answers.WithLabelValues("correct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.answers.WithLabelValues("wrong")))
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ConnectionOpened("student")
	m.ConnectionOpened("student")
	m.ConnectionOpened("host")
	m.ConnectionClosed("student")
	m.SendDropped("buffer_full")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("student")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("host")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsDropped.WithLabelValues("buffer_full")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened("host")
		m.ConnectionClosed("host")
		m.SendDropped("closed")
	})
}
