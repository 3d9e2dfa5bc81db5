package pipeline

import (
	"sync/atomic"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

// Metrics defines the interface for collecting pipeline statistics.
type Metrics interface {
	AddStagesRun(n int64)
	AddStagesFailed(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
}

// PipelineMetrics holds the atomic counters for all pipelines of one job run.
type PipelineMetrics struct {
	StagesRun    atomic.Int64
	StagesFailed atomic.Int64
	BytesWritten atomic.Int64
}

func (m *PipelineMetrics) AddStagesRun(n int64)    { m.StagesRun.Add(n) }
func (m *PipelineMetrics) AddStagesFailed(n int64) { m.StagesFailed.Add(n) }
func (m *PipelineMetrics) AddBytesWritten(n int64) { m.BytesWritten.Add(n) }

func (m *PipelineMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"stages_run", m.StagesRun.Load(),
		"stages_failed", m.StagesFailed.Load(),
		"bytes_written", m.BytesWritten.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddStagesRun(n int64)    {}
func (m *NoopMetrics) AddStagesFailed(n int64) {}
func (m *NoopMetrics) AddBytesWritten(n int64) {}
func (m *NoopMetrics) LogSummary(msg string)   {}

var _ Metrics = (*PipelineMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
