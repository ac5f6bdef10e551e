// ============================================================================
// docbatch Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose batch job progress for Prometheus scraping
//
// Metric families:
//
//   1. Counters (cumulative):
//      - docbatch_files_ingested_total: files accepted by ingest
//      - docbatch_files_processed_total: files converted successfully
//      - docbatch_files_failed_total: files that failed definitively
//      - docbatch_conversion_attempts_total: converter calls
//      - docbatch_conversion_retries_total: attempts after the first
//      - docbatch_runs_total{result}: runs by result (completed, interrupted, error)
//
//   2. Histogram:
//      - docbatch_file_duration_seconds: wall time per file including backoff
//
//   3. Gauges (current snapshot):
//      - docbatch_job_files: files in the current job
//      - docbatch_job_current_index: cursor
//      - docbatch_job_progress_percent: current_index / files * 100
//      - docbatch_state_load_seconds: last snapshot load time at run start
//
// Example queries:
//
//   # files converted per minute
//   rate(docbatch_files_processed_total[1m])
//
//   # share of attempts that were retries
//   rate(docbatch_conversion_retries_total[5m]) / rate(docbatch_conversion_attempts_total[5m])
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/docbatch/pkg/types"
)

// Run results for RecordRun.
const (
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
	RunError       = "error"
)

// Collector holds the docbatch metrics. A nil *Collector is a no-op.
type Collector struct {
	filesIngested  prometheus.Counter
	filesProcessed prometheus.Counter
	filesFailed    prometheus.Counter
	attempts       prometheus.Counter
	retries        prometheus.Counter
	runs           *prometheus.CounterVec

	fileDuration prometheus.Histogram

	jobFiles     prometheus.Gauge
	jobCurrent   prometheus.Gauge
	jobProgress  prometheus.Gauge
	loadDuration prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		filesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docbatch_files_ingested_total",
			Help: "Total number of files accepted by ingest",
		}),
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docbatch_files_processed_total",
			Help: "Total number of files converted successfully",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docbatch_files_failed_total",
			Help: "Total number of files that failed after all attempts",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docbatch_conversion_attempts_total",
			Help: "Total number of conversion attempts",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docbatch_conversion_retries_total",
			Help: "Total number of conversion attempts after the first for a file",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docbatch_runs_total",
			Help: "Total number of runs by result",
		}, []string{"result"}),
		fileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docbatch_file_duration_seconds",
			Help:    "Wall time spent on one file, backoff included",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		jobFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_job_files",
			Help: "Number of files in the current job",
		}),
		jobCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_job_current_index",
			Help: "Index of the next file to process",
		}),
		jobProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_job_progress_percent",
			Help: "Job progress in percent",
		}),
		loadDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_state_load_seconds",
			Help: "Time taken to load the job snapshot at run start",
		}),
	}

	reg.MustRegister(
		c.filesIngested,
		c.filesProcessed,
		c.filesFailed,
		c.attempts,
		c.retries,
		c.runs,
		c.fileDuration,
		c.jobFiles,
		c.jobCurrent,
		c.jobProgress,
		c.loadDuration,
	)
	return c
}

// RecordIngest counts n ingested files.
func (c *Collector) RecordIngest(n int) {
	if c == nil {
		return
	}
	c.filesIngested.Add(float64(n))
}

// RecordFile records the outcome of one file.
func (c *Collector) RecordFile(ok bool, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	if ok {
		c.filesProcessed.Inc()
	} else {
		c.filesFailed.Inc()
	}
	if attempts > 0 {
		c.attempts.Add(float64(attempts))
		c.retries.Add(float64(attempts - 1))
	}
	c.fileDuration.Observe(d.Seconds())
}

// RecordRun counts a finished run.
func (c *Collector) RecordRun(result string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(result).Inc()
}

// ObserveStatus updates the job gauges from a status report.
func (c *Collector) ObserveStatus(r types.StatusReport) {
	if c == nil {
		return
	}
	c.jobFiles.Set(float64(r.Total))
	c.jobCurrent.Set(float64(r.Current))
	c.jobProgress.Set(r.Progress)
}

// SetLoadTime records how long loading the snapshot took.
func (c *Collector) SetLoadTime(d time.Duration) {
	if c == nil {
		return
	}
	c.loadDuration.Set(d.Seconds())
}

// Handler serves the metrics gathered by g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is done.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
