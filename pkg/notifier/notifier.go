// --- ARCHITECTURAL OVERVIEW: Notifications ---
//
// Notifications are fire-and-forget. After a run has settled on its status the
// job hands the report to Dispatch, which delivers it to every notifier whose
// filter matches, concurrently and each under its own timeout. A notifier that
// keeps failing after its retries is logged and otherwise ignored: the run's
// status and exit code never depend on whether anybody was told about it.

// Package notifier delivers run reports to people and systems.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

const defaultTimeout = 30 * time.Second

// Notifier delivers a report somewhere.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, r *report.Report) error
}

// Filter selects the statuses a notifier is told about.
type Filter struct {
	OnSuccess bool
	OnWarning bool
	OnFailure bool
}

// AllStatuses notifies on everything.
var AllStatuses = Filter{OnSuccess: true, OnWarning: true, OnFailure: true}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s report.Status) bool {
	switch s {
	case report.Success:
		return f.OnSuccess
	case report.Warning:
		return f.OnWarning
	default:
		return f.OnFailure
	}
}

// Entry is a configured notifier with its delivery settings.
type Entry struct {
	Notifier   Notifier
	Filter     Filter
	MaxRetries int
	RetryWait  time.Duration
	Timeout    time.Duration
}

// Dispatch delivers r to every matching entry and waits for all deliveries.
// Errors are logged, never returned.
func Dispatch(ctx context.Context, entries []Entry, r *report.Report, log plog.Logger) {
	log = plog.OrGlobal(log)
	var wg sync.WaitGroup
	for _, e := range entries {
		if !e.Filter.Matches(r.Status) {
			log.Debug("Notifier skipped by filter", "notifier", e.Notifier.Name(), "status", r.Status)
			continue
		}
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			if err := deliver(ctx, e, r, log); err != nil {
				log.Warn("Notification failed", "notifier", e.Notifier.Name(), "error", err)
			}
		}(e)
	}
	wg.Wait()
}

func deliver(ctx context.Context, e Entry, r *report.Report, log plog.Logger) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var err error
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug("Retrying notification", "notifier", e.Notifier.Name(), "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.RetryWait):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = e.Notifier.Notify(attemptCtx, r)
		cancel()
		if err == nil {
			log.Debug("Notification sent", "notifier", e.Notifier.Name())
			return nil
		}
	}
	return err
}

// message is the JSON body shared by the webhook and NATS notifiers.
type message struct {
	*report.Report
	ErrorMessage    string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Subject         string  `json:"subject"`
}

func encodeReport(r *report.Report) ([]byte, error) {
	return json.Marshal(message{
		Report:          r,
		ErrorMessage:    r.Error(),
		DurationSeconds: r.Duration().Seconds(),
		Subject:         r.Subject(),
	})
}
