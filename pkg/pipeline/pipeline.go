// --- ARCHITECTURAL OVERVIEW: Streaming Pipelines ---
//
// A pipeline is an ordered list of stages whose stdout/stdin are connected by OS
// pipes, so a multi-gigabyte dump streams through compression and encryption
// without ever being materialized in between.
//
//   stage 0 (dump) --pipe--> stage 1 (compress) --pipe--> stage 2 (encrypt) --> stdout
//
// All stages are started before any of them is waited on. The executor then waits
// for every stage, no matter whether an earlier one already failed, so the caller
// gets the full picture: a crashing dump tool AND the compressor complaining about
// a truncated stream are both reported.
//
// A stage is either an external command (run through the platform shell in its own
// process group) or an in-process Filter. Filters let the built-in compressors run
// inside the pipeline without spawning a process; they own both of their pipe ends.

// Package pipeline executes chains of shell commands and in-process filters
// connected by OS pipes and reports per-stage exit status and stderr.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"
)

const (
	// defaultStderrLimit is how much stderr is kept per stage. The tail is kept,
	// since tools usually print the fatal message last.
	defaultStderrLimit = 64 * 1024

	// waitDelay bounds how long Wait keeps draining pipes after a stage exited,
	// e.g. when a background grandchild still holds the stderr pipe open.
	waitDelay = 10 * time.Second
)

// ErrNoStages is returned when Run is called with an empty stage list.
var ErrNoStages = errors.New("pipeline has no stages")

// Filter is an in-process stage. It must read r until EOF (or until it decides
// to stop) and write its output to w. The executor closes both ends afterwards.
type Filter interface {
	Run(ctx context.Context, r io.Reader, w io.Writer) error
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, r io.Reader, w io.Writer) error

// Run calls f.
func (f FilterFunc) Run(ctx context.Context, r io.Reader, w io.Writer) error { return f(ctx, r, w) }

// Stage is one step of a pipeline. Exactly one of Command and Filter is set.
type Stage struct {
	// Name labels the stage in logs and errors, e.g. "dump:main_db" or "compress:gzip".
	Name string
	// Command is a fully resolved shell command line.
	Command string
	// Filter is an in-process alternative to Command.
	Filter Filter
	// AcceptExitCodes lists non-zero exit codes that still count as success.
	AcceptExitCodes []int
	// Env is appended to the current environment for Command stages.
	Env []string
}

func (s Stage) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("stage-%d", i)
}

func (s Stage) accepts(code int) bool {
	return code == 0 || slices.Contains(s.AcceptExitCodes, code)
}

func (s Stage) validate(i int) error {
	switch {
	case s.Command == "" && s.Filter == nil:
		return fmt.Errorf("pipeline %s has neither a command nor a filter", s.label(i))
	case s.Command != "" && s.Filter != nil:
		return fmt.Errorf("pipeline %s has both a command and a filter", s.label(i))
	}
	return nil
}

// Executor runs pipelines. It is stateless and safe for concurrent use.
type Executor struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// Timeout bounds a whole pipeline run. Zero means no timeout.
	Timeout time.Duration
	// StderrLimit is the number of stderr bytes kept per stage.
	StderrLimit int
	Metrics     Metrics
}

// NewExecutor creates an Executor. A nil commandContext uses exec.CommandContext.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{
		commandContext: commandContext,
		StderrLimit:    defaultStderrLimit,
		Metrics:        &NoopMetrics{},
	}
}

// RunCommand runs a single shell command. Its stdout is written to stdout, which may be nil.
func (e *Executor) RunCommand(ctx context.Context, name, command string, stdout io.Writer) (*Result, error) {
	return e.Run(ctx, []Stage{{Name: name, Command: command}}, stdout)
}

// Run executes the stages as one pipe chain and writes the last stage's output
// to stdout (io.Discard when nil). A non-nil error means the pipeline could not
// be set up; stage failures are reported through the Result.
func (e *Executor) Run(ctx context.Context, stages []Stage, stdout io.Writer) (*Result, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	for i, s := range stages {
		if err := s.validate(i); err != nil {
			return nil, err
		}
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if stdout == nil {
		stdout = io.Discard
	}
	counter := &countingWriter{w: stdout}

	n := len(stages)
	// readers[i] feeds stage i, writers[i] receives the output of stage i.
	readers := make([]*os.File, n)
	writers := make([]*os.File, n)
	closeRemaining := func() {
		for i := range n {
			if readers[i] != nil {
				readers[i].Close()
			}
			if writers[i] != nil {
				writers[i].Close()
			}
		}
	}
	for i := 0; i < n-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeRemaining()
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		writers[i] = w
		readers[i+1] = r
	}

	start := time.Now()
	res := &Result{Stages: make([]StageResult, n)}
	cmds := make([]*exec.Cmd, n)
	stderrs := make([]*tailBuffer, n)
	var filters sync.WaitGroup

	for i, st := range stages {
		res.Stages[i] = StageResult{Index: i, Name: st.label(i), Command: st.Command}
		in, out := readers[i], writers[i]
		readers[i], writers[i] = nil, nil

		var dst io.Writer = counter
		if out != nil {
			dst = out
		}

		if st.Filter != nil {
			filters.Add(1)
			go func() {
				defer filters.Done()
				var src io.Reader = bytes.NewReader(nil)
				if in != nil {
					src = in
				}
				err := st.Filter.Run(ctx, contextReader(ctx, src), dst)
				// Closing our write end signals EOF downstream; closing the read end
				// makes an upstream writer fail fast if we stopped early.
				if out != nil {
					out.Close()
				}
				if in != nil {
					in.Close()
				}
				res.Stages[i].finishFilter(ctx, st, err)
			}()
			continue
		}

		cmd := e.createCommand(ctx, st.Command)
		if len(st.Env) > 0 {
			cmd.Env = append(os.Environ(), st.Env...)
		}
		if in != nil {
			cmd.Stdin = in
		}
		cmd.Stdout = dst
		stderrs[i] = newTailBuffer(e.StderrLimit)
		cmd.Stderr = stderrs[i]
		cmd.WaitDelay = waitDelay

		if err := cmd.Start(); err != nil {
			res.Stages[i].ExitCode = -1
			res.Stages[i].Err = fmt.Errorf("failed to start: %w", err)
		} else {
			cmds[i] = cmd
		}

		// The child holds its own copies now; the parent's copies must go or the
		// neighbours never see EOF.
		if in != nil {
			in.Close()
		}
		if out != nil {
			out.Close()
		}
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		waitErr := cmd.Wait()
		res.Stages[i].finishCommand(ctx, stages[i], cmd, waitErr, stderrs[i])
	}
	filters.Wait()

	res.Duration = time.Since(start)
	res.BytesWritten = counter.n
	if ctx.Err() != nil {
		res.Canceled = ctx.Err()
	}

	e.Metrics.AddStagesRun(int64(n))
	e.Metrics.AddBytesWritten(counter.n)
	for _, s := range res.Stages {
		if !s.Accepted {
			e.Metrics.AddStagesFailed(1)
		}
	}
	return res, nil
}

// contextReader stops a filter's input as soon as ctx is done.
func contextReader(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// countingWriter counts the bytes leaving the last stage.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultStderrLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}
