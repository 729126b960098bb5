package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Pipeline steps
const (
	StepFetch       = "fetch"
	StepConsensus   = "consensus"
	StepExclusion   = "exclusion"
	StepRanking     = "ranking"
	StepValuation   = "valuation"
	StepContinuity  = "continuity"
	StepConsolidate = "consolidate"
)

// Step results
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Cache types tracked by the hit ratio.
var cacheTypes = []string{"coin_list"}

// Registry holds every Prometheus collector the engine exports. All
// methods are no-ops on a nil *Registry so components can run unmetered.
type Registry struct {
	reg *prometheus.Registry

	StepDuration   *prometheus.HistogramVec
	PipelineSteps  *prometheus.CounterVec
	PipelineErrors *prometheus.CounterVec

	ProviderFetches  *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	ActiveProviders  prometheus.Gauge
	EligibleAssets   prometheus.Gauge

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	IndexValue    prometheus.Gauge
	IndexRawValue prometheus.Gauge
	IndexDivisor  prometheus.Gauge

	Runs          *prometheus.CounterVec
	LastRunUnix   *prometheus.GaugeVec
	NextRebalance prometheus.Gauge
}

// NewRegistry builds a registry on its own prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ares_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"step", "result"},
		),
		PipelineSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_pipeline_steps_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"step", "status"},
		),
		PipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_pipeline_errors_total",
				Help: "Total number of pipeline errors by step and error kind",
			},
			[]string{"step", "error_type"},
		),

		ProviderFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_provider_fetch_total",
				Help: "Provider snapshot fetches by outcome",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ares_provider_fetch_duration_seconds",
				Help:    "Provider snapshot fetch latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		ActiveProviders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_active_providers",
			Help: "Providers that returned data in the last run",
		}),
		EligibleAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_eligible_assets",
			Help: "Assets surviving consensus and exclusion in the last run",
		}),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_cache_hit_ratio",
			Help: "Current cache hit ratio (0.0 to 1.0)",
		}),

		IndexValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_index_value",
			Help: "Last published index value",
		}),
		IndexRawValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_index_raw_value",
			Help: "Last weighted market-cap sum",
		}),
		IndexDivisor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_index_divisor",
			Help: "Current index divisor",
		}),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ares_runs_total",
				Help: "Governed runs by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		LastRunUnix: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ares_last_run_timestamp_seconds",
				Help: "Unix time of the last run by path",
			},
			[]string{"path"},
		),
		NextRebalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ares_next_rebalance_allowed_timestamp_seconds",
			Help: "Unix time after which the next scheduled rebalance may run",
		}),
	}

	r.reg.MustRegister(
		r.StepDuration,
		r.PipelineSteps,
		r.PipelineErrors,
		r.ProviderFetches,
		r.ProviderDuration,
		r.ActiveProviders,
		r.EligibleAssets,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.IndexValue,
		r.IndexRawValue,
		r.IndexDivisor,
		r.Runs,
		r.LastRunUnix,
		r.NextRebalance,
	)

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// StepTimer tracks execution time for a pipeline step
type StepTimer struct {
	r     *Registry
	step  string
	start time.Time
}

// StartStepTimer begins timing a pipeline step
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{r: r, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	if st.r != nil {
		st.r.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
		st.r.PipelineSteps.WithLabelValues(st.step, result).Inc()
	}

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline step completed")
}

// RecordPipelineError records a pipeline error
func (r *Registry) RecordPipelineError(step, errorType string) {
	if r == nil {
		return
	}
	r.PipelineErrors.WithLabelValues(step, errorType).Inc()
}

// RecordProviderFetch records one provider fetch outcome.
func (r *Registry) RecordProviderFetch(provider string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	status := ResultSuccess
	if !ok {
		status = ResultError
	}
	r.ProviderFetches.WithLabelValues(provider, status).Inc()
	r.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SetUniverse records the provider and eligible-asset counts of a run.
func (r *Registry) SetUniverse(activeProviders, eligible int) {
	if r == nil {
		return
	}
	r.ActiveProviders.Set(float64(activeProviders))
	r.EligibleAssets.Set(float64(eligible))
}

// RecordCacheHit records a cache hit for the specified cache type
func (r *Registry) RecordCacheHit(cacheType string) {
	if r == nil {
		return
	}
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss for the specified cache type
func (r *Registry) RecordCacheMiss(cacheType string) {
	if r == nil {
		return
	}
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

func (r *Registry) updateCacheHitRatio() {
	var hits, misses float64
	for _, ct := range cacheTypes {
		hits += counterValue(r.CacheHits, ct)
		misses += counterValue(r.CacheMisses, ct)
	}
	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// RecordIndex publishes the latest index point and divisor.
func (r *Registry) RecordIndex(raw, value, divisor float64) {
	if r == nil {
		return
	}
	r.IndexRawValue.Set(raw)
	r.IndexValue.Set(value)
	r.IndexDivisor.Set(divisor)
}

// RecordRun counts a governed run and stamps its time.
func (r *Registry) RecordRun(path, outcome string, at time.Time) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(path, outcome).Inc()
	r.LastRunUnix.WithLabelValues(path).Set(float64(at.Unix()))
}

// SetNextRebalance stamps the cooldown expiry of the committed lock.
func (r *Registry) SetNextRebalance(at time.Time) {
	if r == nil {
		return
	}
	r.NextRebalance.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
