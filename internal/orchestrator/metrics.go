package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the think/capture/act/verify
// control loop.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	tasksActive   prometheus.Gauge
	loopDetected  prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the orchestrator is instantiated multiple
// times (e.g. in unit tests or multi-tenant runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pilotd",
			Subsystem: "orchestrator",
			Name:      "step_stage_duration_seconds",
			Help:      "Duration spent in each control-loop stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pilotd",
			Subsystem: "orchestrator",
			Name:      "step_stage_failures_total",
			Help:      "Total number of control-loop stages that failed.",
		},
		[]string{"stage", "reason"},
	)
	stageRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pilotd",
			Subsystem: "orchestrator",
			Name:      "step_stage_retries_total",
			Help:      "Number of times a control-loop stage was retried.",
		},
		[]string{"stage"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pilotd",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Number of tasks currently being executed by the orchestrator.",
		},
	)
	loopDetected := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pilotd",
			Subsystem: "orchestrator",
			Name:      "semantic_loops_detected_total",
			Help:      "Number of times the same action/target pair repeated back to back.",
		},
	)

	collectors := []prometheus.Collector{stageDuration, stageFailures, stageRetries, tasksActive, loopDetected}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					if cv, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
						if collector == prometheus.Collector(stageFailures) {
							stageFailures = cv
						} else {
							stageRetries = cv
						}
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					loopDetected = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration: stageDuration,
		stageFailures: stageFailures,
		stageRetries:  stageRetries,
		tasksActive:   tasksActive,
		loopDetected:  loopDetected,
	}
}

func (m *Metrics) observeStage(stage, status string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) incStageFailure(stage, reason string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) incStageRetry(stage string) {
	if m == nil || m.stageRetries == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) incActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) decActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

func (m *Metrics) incLoopDetected() {
	if m == nil || m.loopDetected == nil {
		return
	}
	m.loopDetected.Inc()
}
