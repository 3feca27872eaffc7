package resolution

import (
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records resolution results. A nil *Metrics records nothing.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the resolution metrics on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speedagent",
			Subsystem: "resolution",
			Name:      "outcomes_total",
			Help:      "Total resolution outcomes delivered",
		}, []string{"mode", "source"}),

		cancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speedagent",
			Subsystem: "resolution",
			Name:      "cancelled_total",
			Help:      "Total resolutions superseded by a newer fix",
		}, []string{"mode"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "speedagent",
			Subsystem: "resolution",
			Name:      "duration_seconds",
			Help:      "Time from fix submission to outcome delivery",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
	}
}

func (m *Metrics) observeOutcome(mode constants.Mode, source models.OutcomeSource, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(mode), string(source)).Inc()
	m.duration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeCancelled(mode constants.Mode) {
	if m == nil {
		return
	}
	m.cancelled.WithLabelValues(string(mode)).Inc()
}
