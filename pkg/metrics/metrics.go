// Package metrics exposes Prometheus counters and histograms for the
// gateway's internal diagnostics: token-count mode, model-info cache
// behavior, the compaction cascade's steps and outcomes, summary quality,
// and per-request status/duration. Pricing and per-token cost are the
// excluded pricing component's concern and are not recorded here.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is a Prometheus-backed sink for the gateway's internal
// diagnostics. Every method is safe to call with a nil *Recorder (a no-op),
// so callers that haven't wired metrics can skip constructing one.
type Recorder struct {
	tokenCountTotal        *prometheus.CounterVec
	modelInfoCacheTotal    *prometheus.CounterVec
	compactionStepsTotal   *prometheus.CounterVec
	compactionRunsTotal    *prometheus.CounterVec
	compactionIterations   prometheus.Histogram
	summaryMeaningfulTotal *prometheus.CounterVec
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
}

// NewRecorder registers and returns a Recorder. Call once per process;
// registering the same metric names twice against the default registry
// panics, matching promauto's usual contract.
func NewRecorder() *Recorder {
	return &Recorder{
		tokenCountTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_count_total",
				Help: "Token-count measurements by mode (proxy-http/approx)",
			},
			[]string{"mode"},
		),
		modelInfoCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_info_cache_total",
				Help: "Model-info cache lookups by result",
			},
			[]string{"result"},
		),
		compactionStepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_compaction_steps_total",
				Help: "Preflight/post-reply cascade steps performed, by kind",
			},
			[]string{"kind"},
		),
		compactionRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_compaction_runs_total",
				Help: "Compaction cascade runs by outcome (converged/stalled)",
			},
			[]string{"outcome"},
		),
		compactionIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_compaction_iterations",
				Help:    "Iterations consumed per cascade run",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
		summaryMeaningfulTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_summary_meaningful_total",
				Help: "Summarizer results by meaningfulness",
			},
			[]string{"meaningful"},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Completed requests by terminal status",
			},
			[]string{"status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Wall-clock duration of a full orchestrator pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}
}

func (r *Recorder) RecordTokenCount(mode string) {
	if r == nil {
		return
	}
	r.tokenCountTotal.WithLabelValues(mode).Inc()
}

func (r *Recorder) RecordModelInfoCache(result string) {
	if r == nil {
		return
	}
	r.modelInfoCacheTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordCompactionStep(kind string) {
	if r == nil {
		return
	}
	r.compactionStepsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordCompactionRun(iterations int, stalled bool) {
	if r == nil {
		return
	}
	outcome := "converged"
	if stalled {
		outcome = "stalled"
	}
	r.compactionRunsTotal.WithLabelValues(outcome).Inc()
	r.compactionIterations.Observe(float64(iterations))
}

func (r *Recorder) RecordSummaryMeaningful(meaningful bool) {
	if r == nil {
		return
	}
	label := "true"
	if !meaningful {
		label = "false"
	}
	r.summaryMeaningfulTotal.WithLabelValues(label).Inc()
}

func (r *Recorder) RecordRequest(status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(status).Inc()
	r.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

//nolint:gochecknoglobals // process-wide singleton, mirrors pkg/logx and pkg/config
var (
	globalMu   sync.RWMutex
	globalInst *Recorder
)

// Install installs r as the process-wide default, read by Default().
func Install(r *Recorder) {
	globalMu.Lock()
	globalInst = r
	globalMu.Unlock()
}

// Default returns the installed singleton, or nil if Install was never
// called; every Recorder method tolerates a nil receiver.
func Default() *Recorder {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalInst
}
