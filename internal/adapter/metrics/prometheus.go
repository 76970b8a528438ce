package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"feelinglocal-core/internal/domain/entity"
)

const namespace = "feelinglocal"

// Prometheus is the MetricsSink backed by a dedicated registry.
type Prometheus struct {
	Registry *prometheus.Registry

	cacheLookups *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	timeouts     *prometheus.CounterVec
	engineCalls  *prometheus.CounterVec
	engineTime   *prometheus.HistogramVec
	jobs         *prometheus.CounterVec
	jobTime      *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Prometheus{
		Registry: reg,
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Guarded operations that exceeded their time budget.",
		}, []string{"category"}),
		engineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Engine calls by outcome.",
		}, []string{"engine", "outcome"}),
		engineTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_seconds",
			Help:      "Engine call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Finished jobs by kind and status.",
		}, []string{"kind", "status"}),
		jobTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job wall time from start to finish.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
	}
}

func (p *Prometheus) CacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(tier, result).Inc()
}

func stateValue(s entity.BreakerState) float64 {
	switch s {
	case entity.BreakerOpen:
		return 2
	case entity.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

func (p *Prometheus) BreakerTransition(c entity.StateChange) {
	p.transitions.WithLabelValues(c.Breaker, string(c.From), string(c.To)).Inc()
	p.breakerState.WithLabelValues(c.Breaker).Set(stateValue(c.To))
}

func (p *Prometheus) Timeout(category string) {
	p.timeouts.WithLabelValues(category).Inc()
}

func (p *Prometheus) EngineCall(engine, outcome string, d time.Duration) {
	p.engineCalls.WithLabelValues(engine, outcome).Inc()
	p.engineTime.WithLabelValues(engine).Observe(d.Seconds())
}

func (p *Prometheus) JobFinished(kind entity.JobKind, status entity.JobStatus, d time.Duration) {
	p.jobs.WithLabelValues(string(kind), string(status)).Inc()
	p.jobTime.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Transitioner records breaker state changes.
type Transitioner interface {
	BreakerTransition(c entity.StateChange)
}

// Consume feeds breaker events into sink until ctx is done or events closes.
func Consume(ctx context.Context, events <-chan entity.StateChange, sink Transitioner) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-events:
			if !ok {
				return
			}
			sink.BreakerTransition(c)
		}
	}
}
