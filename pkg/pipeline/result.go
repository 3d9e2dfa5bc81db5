package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// sigpipeExitCode is what a POSIX shell reports for a child killed by SIGPIPE (128+13).
const sigpipeExitCode = 141

// StageResult is the outcome of one stage.
type StageResult struct {
	Index   int
	Name    string
	Command string
	// ExitCode is -1 when the stage was killed by a signal or never started.
	ExitCode int
	// Signal describes the terminating signal, e.g. "signal: broken pipe".
	Signal string
	Stderr string
	// Accepted is true when the exit code is 0 or in the stage's accepted set.
	Accepted bool
	// Err holds start, I/O, or filter errors.
	Err error
}

// brokenPipe reports whether the stage most likely died because a downstream
// stage stopped reading. Such failures are consequences, not causes.
func (s StageResult) brokenPipe() bool {
	return s.ExitCode == sigpipeExitCode || strings.Contains(s.Signal, "broken pipe")
}

func (s *StageResult) finishCommand(ctx context.Context, st Stage, cmd *exec.Cmd, waitErr error, stderr *tailBuffer) {
	s.Stderr = strings.TrimSpace(stderr.String())
	if cmd.ProcessState != nil {
		s.ExitCode = cmd.ProcessState.ExitCode()
		if s.ExitCode == -1 {
			s.Signal = cmd.ProcessState.String()
		}
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		// Exit code and signal are already taken from the process state.
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The stage exited but something else kept its pipes open; its exit code stands.
	default:
		s.Err = waitErr
	}
	if s.ExitCode == -1 && s.Signal == "" && ctx.Err() != nil {
		s.Signal = "killed: " + ctx.Err().Error()
	}
	s.Accepted = s.Err == nil && s.Signal == "" && st.accepts(s.ExitCode)
}

func (s *StageResult) finishFilter(ctx context.Context, st Stage, err error) {
	if err == nil {
		s.Accepted = true
		return
	}
	s.ExitCode = 1
	s.Err = err
	s.Stderr = err.Error()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.ExitCode = -1
		s.Signal = "killed: " + ctx.Err().Error()
	}
}

// Result is the outcome of a pipeline run.
type Result struct {
	Stages       []StageResult
	Duration     time.Duration
	BytesWritten int64
	// Canceled is set when the context was done (canceled or timed out) before the
	// pipeline finished. Partial exit state and stderr are still collected.
	Canceled error
}

// Success is true iff every stage exited with an accepted status.
func (r *Result) Success() bool {
	for _, s := range r.Stages {
		if !s.Accepted {
			return false
		}
	}
	return true
}

// ExitStatuses returns one exit code per stage, in stage order.
func (r *Result) ExitStatuses() []int {
	codes := make([]int, len(r.Stages))
	for i, s := range r.Stages {
		codes[i] = s.ExitCode
	}
	return codes
}

// Err returns a *StageError describing the failure, or nil on success.
func (r *Result) Err() error {
	var failed []StageResult
	for _, s := range r.Stages {
		if !s.Accepted {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	// Blame the earliest stage that failed on its own. A stage killed by SIGPIPE
	// only failed because something after it stopped reading.
	primary := failed[0]
	for _, s := range failed {
		if !s.brokenPipe() {
			primary = s
			break
		}
	}
	return &StageError{Stage: primary, Failed: failed, Cause: r.Canceled}
}

// Warnings lists the accepted non-zero exits. They are recoverable problems
// the run should report.
func (r *Result) Warnings() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Accepted && s.ExitCode != 0 {
			out = append(out, fmt.Sprintf("%s exited with accepted code %d", s.Name, s.ExitCode))
		}
	}
	return out
}

// Diagnostics lists the stderr output of accepted stages. Many dump tools log
// progress on stderr, so this output is informational only.
func (r *Result) Diagnostics() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Accepted && s.Stderr != "" {
			out = append(out, fmt.Sprintf("%s wrote to stderr: %s", s.Name, s.Stderr))
		}
	}
	return out
}

// StageError reports a failed pipeline. Stage is the stage held responsible;
// Failed lists every stage that did not exit cleanly, in stage order.
type StageError struct {
	Stage  StageResult
	Failed []StageResult
	Cause  error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline stage %d (%s) failed", e.Stage.Index, e.Stage.Name)
	switch {
	case e.Stage.Signal != "":
		fmt.Fprintf(&b, ", %s", e.Stage.Signal)
	default:
		fmt.Fprintf(&b, " with exit code %d", e.Stage.ExitCode)
	}
	if e.Stage.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Stage.Err)
	} else if e.Stage.Stderr != "" {
		fmt.Fprintf(&b, ": %s", lastLine(e.Stage.Stderr))
	}
	if len(e.Failed) > 1 {
		others := make([]string, 0, len(e.Failed)-1)
		for _, s := range e.Failed {
			if s.Index != e.Stage.Index {
				others = append(others, fmt.Sprintf("%s=%d", s.Name, s.ExitCode))
			}
		}
		fmt.Fprintf(&b, " (also failed: %s)", strings.Join(others, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " [%v]", e.Cause)
	}
	return b.String()
}

// Unwrap exposes context cancellation or deadline errors.
func (e *StageError) Unwrap() error { return e.Cause }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
