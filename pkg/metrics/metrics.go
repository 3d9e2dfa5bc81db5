// Package metrics exports run statistics in the Prometheus text format.
//
// pgl-dump is a batch job, so nothing is served over HTTP. Each run records
// into its own registry, which is written to a node-exporter textfile
// collector directory at the end of the run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paulschiretz/pgl-dump/pkg/report"
)

// Recorder holds the collectors of one process.
type Recorder struct {
	registry *prometheus.Registry

	jobStatus          *prometheus.GaugeVec
	jobDuration        *prometheus.GaugeVec
	packageBytes       *prometheus.GaugeVec
	lastSuccess        *prometheus.GaugeVec
	transfers          *prometheus.CounterVec
	generationsDeleted *prometheus.CounterVec
	stageFailures      *prometheus.CounterVec
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		jobStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgl_dump_job_status",
			Help: "Exit code of the last run: 0 success, 1 success with warnings, 2 failure",
		}, []string{"trigger"}),
		jobDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgl_dump_job_duration_seconds",
			Help: "Duration of the last run in seconds",
		}, []string{"trigger"}),
		packageBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgl_dump_package_bytes",
			Help: "Size of the last package in bytes",
		}, []string{"trigger"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgl_dump_last_success_timestamp_seconds",
			Help: "Unix time of the last run that did not fail",
		}, []string{"trigger"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgl_dump_transfers_total",
			Help: "Package uploads by destination and result",
		}, []string{"trigger", "destination", "result"}),
		generationsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgl_dump_generations_deleted_total",
			Help: "Generations removed by the cycler",
		}, []string{"trigger", "destination"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgl_dump_stage_failures_total",
			Help: "Pipeline stages blamed for a failed run",
		}, []string{"trigger", "stage"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveRun records the outcome of a finished run.
func (r *Recorder) ObserveRun(rep *report.Report) {
	r.jobStatus.WithLabelValues(rep.Trigger).Set(float64(rep.Status.ExitCode()))
	r.jobDuration.WithLabelValues(rep.Trigger).Set(rep.Duration().Seconds())
	r.packageBytes.WithLabelValues(rep.Trigger).Set(float64(rep.PackageSize))
	if rep.Status != report.Failure {
		r.lastSuccess.WithLabelValues(rep.Trigger).Set(float64(rep.Finished.Unix()))
	}
	if rep.FailedStage != "" {
		r.stageFailures.WithLabelValues(rep.Trigger, rep.FailedStage).Inc()
	}
}

// AddTransfer counts an upload attempt.
func (r *Recorder) AddTransfer(trigger, destination string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.transfers.WithLabelValues(trigger, destination, result).Inc()
}

// AddGenerationsDeleted counts deleted generations.
func (r *Recorder) AddGenerationsDeleted(trigger, destination string, n int) {
	r.generationsDeleted.WithLabelValues(trigger, destination).Add(float64(n))
}

// WriteTextfile writes every metric to path atomically. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
