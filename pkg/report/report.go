// Package report describes the outcome of a job run.
package report

import (
	"fmt"
	"time"
)

// Status is the final state of a run.
type Status int

const (
	Success Status = iota
	Warning
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "success_with_warnings"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ExitCode maps the status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case Success:
		return 0
	case Warning:
		return 1
	default:
		return 2
	}
}

// MarshalText renders the status by name in JSON and YAML payloads.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Worst returns the more severe of a and b.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Destination is the per-destination part of a report.
type Destination struct {
	ID         string `json:"id"`
	Uploaded   bool   `json:"uploaded"`
	Generation string `json:"generation,omitempty"`
	Deleted    int    `json:"deleted"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes one run for notifiers and metrics.
type Report struct {
	RunID        string        `json:"runID"`
	Trigger      string        `json:"trigger"`
	Description  string        `json:"description,omitempty"`
	Status       Status        `json:"status"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Lines        []string      `json:"lines,omitempty"`
	PackageSize  int64         `json:"packageSize"`
	Destinations []Destination `json:"destinations,omitempty"`
	// Err is the fatal error of a failed run.
	Err error `json:"-"`
	// FailedStage names the pipeline stage blamed for a failure, if any.
	FailedStage string `json:"failedStage,omitempty"`
	DryRun      bool   `json:"dryRun,omitempty"`
}

// Duration of the run.
func (r *Report) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Subject is a one-line summary, e.g. "[pgl-dump] nightly: success".
func (r *Report) Subject() string {
	return fmt.Sprintf("[pgl-dump] %s: %s", r.Trigger, r.Status)
}

// Error returns the fatal error message, or "".
func (r *Report) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
