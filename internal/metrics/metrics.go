// Package metrics records backtest and request metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder holds the volharvest collectors on its own registry. A nil
// *Recorder records nothing, so callers need not check for one.
type Recorder struct {
	reg *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	sweepRuns    prometheus.Counter
	requests     *prometheus.CounterVec
	requestTimes *prometheus.HistogramVec
}

// New creates a Recorder with the Go and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volharvest_backtests_total",
				Help: "Backtest runs and sweeps by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "volharvest_backtest_duration_seconds",
				Help:    "Wall time of backtest runs and sweeps, data loading included",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"kind"},
		),
		sweepRuns: f.NewCounter(
			prometheus.CounterOpts{
				Name: "volharvest_sweep_points_total",
				Help: "Grid points simulated by completed sweeps",
			},
		),
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volharvest_requests_total",
				Help: "API requests by transport, method and status code",
			},
			[]string{"transport", "method", "code"},
		),
		requestTimes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "volharvest_request_duration_seconds",
				Help:    "API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "method"},
		),
	}
}

// RecordRun records one finished run or sweep. kind is "run" or "sweep".
func (r *Recorder) RecordRun(kind string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	r.runsTotal.WithLabelValues(kind, outcome).Inc()
	r.runDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordSweepPoints adds n simulated grid points.
func (r *Recorder) RecordSweepPoints(n int) {
	if r == nil {
		return
	}
	r.sweepRuns.Add(float64(n))
}

// RecordRequest records one API call.
func (r *Recorder) RecordRequest(transport, method, code string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(transport, method, code).Inc()
	r.requestTimes.WithLabelValues(transport, method).Observe(elapsed.Seconds())
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
