package cycler

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

// Metrics collects deletion statistics of one cycling pass.
type Metrics interface {
	AddGenerationsDeleted(n int64)
	AddGenerationsFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CyclerMetrics holds atomic counters and logs them periodically.
type CyclerMetrics struct {
	GenerationsDeleted atomic.Int64
	GenerationsFailed  atomic.Int64

	stopChan chan struct{}
}

func (m *CyclerMetrics) AddGenerationsDeleted(n int64) { m.GenerationsDeleted.Add(n) }
func (m *CyclerMetrics) AddGenerationsFailed(n int64)  { m.GenerationsFailed.Add(n) }

func (m *CyclerMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *CyclerMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

func (m *CyclerMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"generations_deleted", m.GenerationsDeleted.Load(),
		"generations_failed", m.GenerationsFailed.Load(),
	)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddGenerationsDeleted(n int64)                    {}
func (m *NoopMetrics) AddGenerationsFailed(n int64)                     {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*CyclerMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
