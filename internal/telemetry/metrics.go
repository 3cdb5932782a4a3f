// Package telemetry exposes the orchestrator's Prometheus metrics:
// per-phase durations, scoring and publication counters, session state
// and measurement-cache performance.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Phase result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics is the castmarket metrics registry.
type Metrics struct {
	registry *prometheus.Registry

	StepDuration *prometheus.HistogramVec

	ChallengesScored   prometheus.Counter
	ScoringFailures    *prometheus.CounterVec
	ForecastsPublished prometheus.Counter
	PublishErrors      *prometheus.CounterVec

	SessionState prometheus.Gauge
	LastRun      *prometheus.GaugeVec

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge
}

// cacheTypes enumerated for the hit-ratio derivation.
var cacheTypes = []string{"measurements"}

// New creates and registers the full metric set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "castmarket_step_duration_seconds",
				Help:    "Duration of each orchestrator phase in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"step", "result"},
		),

		ChallengesScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castmarket_challenges_scored_total",
			Help: "Total number of challenges scored",
		}),

		ScoringFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castmarket_scoring_failures_total",
				Help: "Total number of challenges that failed scoring by reason",
			},
			[]string{"reason"},
		),

		ForecastsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castmarket_forecasts_published_total",
			Help: "Total number of ensemble forecast series published",
		}),

		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castmarket_publish_errors_total",
				Help: "Total number of failed publications by payload kind",
			},
			[]string{"kind"},
		),

		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "castmarket_session_state",
			Help: "Latest session state (0=open, 1=closed, 2=running, 3=finished)",
		}),

		LastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "castmarket_last_run_timestamp_seconds",
				Help: "Unix time of the last completed run per operation",
			},
			[]string{"operation"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castmarket_cache_hits_total",
				Help: "Total cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castmarket_cache_misses_total",
				Help: "Total cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "castmarket_cache_hit_ratio",
			Help: "Current cache hit ratio (0.0 to 1.0)",
		}),
	}

	m.registry.MustRegister(
		m.StepDuration,
		m.ChallengesScored,
		m.ScoringFailures,
		m.ForecastsPublished,
		m.PublishErrors,
		m.SessionState,
		m.LastRun,
		m.CacheHits,
		m.CacheMisses,
		m.CacheHitRatio,
	)
	return m
}

// Handler serves the registry for the monitor's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepTimer measures one orchestrator phase.
type StepTimer struct {
	metrics *Metrics
	step    string
	start   time.Time
}

// StartStep begins timing a phase.
func (m *Metrics) StartStep(step string) *StepTimer {
	return &StepTimer{metrics: m, step: step, start: time.Now()}
}

// Stop records the phase duration under the given result label.
func (t *StepTimer) Stop(result string) {
	d := time.Since(t.start)
	t.metrics.StepDuration.WithLabelValues(t.step, result).Observe(d.Seconds())
	log.Debug().Str("step", t.step).Str("result", result).Dur("duration", d).
		Msg("orchestrator step complete")
}

// RecordCacheHit counts a hit and refreshes the derived ratio.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss counts a miss and refreshes the derived ratio.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordSessionState mirrors the latest session's lifecycle position.
func (m *Metrics) RecordSessionState(state float64) {
	m.SessionState.Set(state)
}

// RecordRun stamps an operation as completed now.
func (m *Metrics) RecordRun(operation string) {
	m.LastRun.WithLabelValues(operation).SetToCurrentTime()
}

// updateCacheHitRatio derives the ratio gauge by reading the counters
// back through the client model.
func (m *Metrics) updateCacheHitRatio() {
	var hits, misses float64
	metric := &io_prometheus_client.Metric{}

	for _, cacheType := range cacheTypes {
		if c, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(metric); err == nil {
				hits += metric.GetCounter().GetValue()
			}
		}
		if c, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(metric); err == nil {
				misses += metric.GetCounter().GetValue()
			}
		}
	}

	if total := hits + misses; total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}
