package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/lecturegrab/internal/booking"
)

const namespace = "lecturegrab"

var (
	attemptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_outcomes_total",
			Help:      "Classified booking attempt outcomes.",
		},
		[]string{"outcome"},
	)
	captchaSolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_solves_total",
			Help:      "Captcha solver calls by result.",
		},
		[]string{"result"},
	)
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Finished booking tasks by termination reason.",
		},
		[]string{"reason"},
	)
	sessionProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_probes_total",
			Help:      "Session monitor probes by observed health.",
		},
		[]string{"health"},
	)
	fireDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fire_delay_seconds",
			Help:      "How late the first attempt left relative to the fire instant.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
	)
)

var (
	registry        = prometheus.NewRegistry()
	registerMetrics sync.Once
)

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(attemptOutcomes)
		registry.MustRegister(captchaSolves)
		registry.MustRegister(tasksFinished)
		registry.MustRegister(sessionProbes)
		registry.MustRegister(fireDelay)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordOutcome(kind booking.OutcomeKind) {
	attemptOutcomes.WithLabelValues(kind.String()).Inc()
}

func RecordSolve(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	captchaSolves.WithLabelValues(result).Inc()
}

func RecordFinished(reason booking.Reason) {
	tasksFinished.WithLabelValues(string(reason)).Inc()
}

func RecordProbe(h booking.Health) {
	sessionProbes.WithLabelValues(h.String()).Inc()
}

func RecordFireDelay(late time.Duration) {
	if late < 0 {
		late = 0
	}
	fireDelay.Observe(late.Seconds())
}
