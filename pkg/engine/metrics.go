package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/waypoint/pkg/schema"
)

// Step outcomes reported by Metrics.
const (
	outcomeOK     = "ok"
	outcomeRouted = "routed"
	outcomeError  = "error"
)

// Metrics exposes Prometheus collectors for executions. All methods are
// safe on a nil receiver.
//
// Collectors (namespace "waypoint"):
//   - steps_total{workflow,kind,outcome}
//   - step_duration_seconds{workflow,kind}
//   - executions_total{workflow,state}: runs stopped by final state
//   - active_executions{workflow}
//   - checkpoints_total{workflow,scope,result}
type Metrics struct {
	steps       *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	active      *prometheus.GaugeVec
	checkpoints *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "steps_total",
			Help:      "Steps applied, by node kind and outcome",
		}, []string{"workflow", "kind", "outcome"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "waypoint",
			Name:      "step_duration_seconds",
			Help:      "Time spent applying a step, checkpoint excluded",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"workflow", "kind"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "executions_total",
			Help:      "Execution runs that stopped, by resulting state",
		}, []string{"workflow", "state"}),
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "waypoint",
			Name:      "active_executions",
			Help:      "Executions currently being driven by a runner",
		}, []string{"workflow"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes, by persistence scope and result",
		}, []string{"workflow", "scope", "result"}),
	}
}

// RegisterPoolMetrics exposes the counters of pool with registry as
// waypoint_pool_active_units and waypoint_pool_units_total{result}.
// A nil registry uses prometheus.DefaultRegisterer.
func RegisterPoolMetrics(registry prometheus.Registerer, pool *WorkerPool) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "waypoint",
		Name:      "pool_active_units",
		Help:      "Steps currently running in the worker pool",
	}, func() float64 { return float64(pool.Metrics().Active) })

	results := map[string]func(PoolMetrics) int64{
		"completed": func(m PoolMetrics) int64 { return m.Completed },
		"failed":    func(m PoolMetrics) int64 { return m.Failed },
		"panic":     func(m PoolMetrics) int64 { return m.Panics },
		"rejected":  func(m PoolMetrics) int64 { return m.Rejected },
	}
	for result, read := range results {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "waypoint",
			Name:        "pool_units_total",
			Help:        "Steps handled by the worker pool, by result",
			ConstLabels: prometheus.Labels{"result": result},
		}, func() float64 { return float64(read(pool.Metrics())) })
	}
}

func (m *Metrics) observeStep(workflow string, kind NodeKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(workflow, kind.String(), outcome).Inc()
	m.stepLatency.WithLabelValues(workflow, kind.String()).Observe(d.Seconds())
}

func (m *Metrics) runStarted(workflow string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(workflow).Inc()
}

func (m *Metrics) runStopped(workflow string, state schema.ExecutionState) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(workflow).Dec()
	m.runs.WithLabelValues(workflow, string(state)).Inc()
}

func (m *Metrics) checkpoint(workflow string, scope schema.PersistScope, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(workflow, scope.String(), result).Inc()
}
