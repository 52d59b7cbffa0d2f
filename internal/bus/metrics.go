package bus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for the message direction.
const (
	directionPublish = "publish"
	directionReceive = "receive"
)

// Metrics reports per-message outcomes to an external Prometheus
// registry. The bus records, the surrounding process exposes.
type Metrics struct {
	messagesTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics registers the bus collectors on the provided registerer
// (the default registerer when nil). Re-registration reuses the
// existing collectors so multiple connections in one process share one
// counter pair.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventbus",
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Total messages published and received, by subject and outcome",
		},
		[]string{"subject", "direction", "status"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventbus",
			Subsystem: "messaging",
			Name:      "message_duration_seconds",
			Help:      "Publish and handler latency in seconds, by subject",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"subject", "direction"},
	)

	if err := registerer.Register(messagesTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		messagesTotal = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}

	return &Metrics{messagesTotal: messagesTotal, duration: duration}
}

// ObservePublish records one publish attempt.
func (m *Metrics) ObservePublish(subject string, err error, elapsed time.Duration) {
	m.observe(subject, directionPublish, err, elapsed)
}

// ObserveReceive records one handler invocation.
func (m *Metrics) ObserveReceive(subject string, err error, elapsed time.Duration) {
	m.observe(subject, directionReceive, err, elapsed)
}

func (m *Metrics) observe(subject, direction string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.messagesTotal.WithLabelValues(subject, direction, status).Inc()
	m.duration.WithLabelValues(subject, direction).Observe(elapsed.Seconds())
}
