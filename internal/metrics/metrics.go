// Package metrics exposes orchestrator activity as Prometheus metrics.
//
//	cloudbatch_partitions_launched_total   partitions handed to a worker
//	cloudbatch_partitions_finished_total   partitions reaching a terminal status, by status
//	cloudbatch_launch_failures_total       workers that could not be started
//	cloudbatch_workers_running             workers launched and not yet terminal
//	cloudbatch_chunks_total                chunks by outcome (commit, rollback)
//	cloudbatch_records_written_total       records written to the sink
//	cloudbatch_job_duration_seconds        job wall time, by final status
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics of one process. A nil *Collector records nothing.
type Collector struct {
	partitionsLaunched prometheus.Counter
	partitionsFinished *prometheus.CounterVec
	launchFailures     prometheus.Counter
	workersRunning     prometheus.Gauge
	chunks             *prometheus.CounterVec
	recordsWritten     prometheus.Counter
	jobDuration        *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		partitionsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudbatch_partitions_launched_total",
			Help: "Total number of partitions handed to a worker",
		}),
		partitionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbatch_partitions_finished_total",
			Help: "Total number of partitions reaching a terminal status",
		}, []string{"status"}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudbatch_launch_failures_total",
			Help: "Total number of workers that could not be started",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudbatch_workers_running",
			Help: "Current number of running workers",
		}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbatch_chunks_total",
			Help: "Total number of processed chunks by outcome",
		}, []string{"outcome"}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudbatch_records_written_total",
			Help: "Total number of records written to the sink",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudbatch_job_duration_seconds",
			Help:    "Job wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
	}
	reg.MustRegister(c.partitionsLaunched, c.partitionsFinished, c.launchFailures, c.workersRunning, c.chunks, c.recordsWritten, c.jobDuration)
	return c
}

// PartitionLaunched a worker was started for a partition
func (c *Collector) PartitionLaunched() {
	if c == nil {
		return
	}
	c.partitionsLaunched.Inc()
	c.workersRunning.Inc()
}

// LaunchFailed a worker could not be started
func (c *Collector) LaunchFailed() {
	if c == nil {
		return
	}
	c.launchFailures.Inc()
	c.partitionsFinished.WithLabelValues("FAILED").Inc()
}

// PartitionFinished a launched partition reached status
func (c *Collector) PartitionFinished(status string) {
	if c == nil {
		return
	}
	c.workersRunning.Dec()
	c.partitionsFinished.WithLabelValues(status).Inc()
}

// ChunkCommitted a chunk of written records was committed
func (c *Collector) ChunkCommitted(written int) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues("commit").Inc()
	c.recordsWritten.Add(float64(written))
}

// ChunkRolledBack a chunk was rolled back
func (c *Collector) ChunkRolledBack() {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues("rollback").Inc()
}

// JobFinished a job ended with status after seconds
func (c *Collector) JobFinished(status string, seconds float64) {
	if c == nil {
		return
	}
	c.jobDuration.WithLabelValues(status).Observe(seconds)
}

// Handler serves the metrics of gatherer in the Prometheus text format
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
