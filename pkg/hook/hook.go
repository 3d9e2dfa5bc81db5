// Package hook runs the before and after commands of a job.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")

// Phase names a hook list.
type Phase string

const (
	Before Phase = "before"
	After  Phase = "after"
)

// Plan holds the hook commands of one job.
type Plan struct {
	Before []string
	After  []string
	// Env is passed to every hook command, e.g. PGL_DUMP_TRIGGER=nightly.
	Env []string

	DryRun bool
	// FailFast stops a phase at its first failing command.
	FailFast bool
}

func (p *Plan) commands(phase Phase) []string {
	if p == nil {
		return nil
	}
	if phase == Before {
		return p.Before
	}
	return p.After
}

// Runner executes hook commands through the pipeline executor.
type Runner struct {
	executor *pipeline.Executor
}

// NewRunner creates a Runner using executor.
func NewRunner(executor *pipeline.Executor) *Runner {
	return &Runner{executor: executor}
}

// Run executes the commands of phase in order. Failures are collected and
// returned together unless FailFast is set. The caller decides whether a
// failure is fatal.
func (r *Runner) Run(ctx context.Context, phase Phase, p *Plan, log plog.Logger) error {
	log = plog.OrGlobal(log)
	cmds := p.commands(phase)
	if len(cmds) == 0 {
		return ErrNothingToExecute
	}

	log.Info(fmt.Sprintf("Running %s hook commands", phase), "count", len(cmds))

	var errs []error
	for i, command := range cmds {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			log.Info("[DRY RUN] Executing command", "command", command)
			continue
		}
		log.Info("Executing command", "command", command)

		var stdout bytes.Buffer
		stage := pipeline.Stage{Name: fmt.Sprintf("hook:%s:%d", phase, i), Command: command, Env: p.Env}
		res, err := r.executor.Run(ctx, []pipeline.Stage{stage}, &stdout)
		if err != nil {
			return fmt.Errorf("command '%s' could not be started: %w", command, err)
		}
		if out := strings.TrimSpace(stdout.String()); out != "" {
			log.Debug("Hook output", "command", command, "stdout", out)
		}
		for _, d := range append(res.Warnings(), res.Diagnostics()...) {
			log.Debug("Hook stderr", "command", command, "detail", d)
		}
		if stageErr := res.Err(); stageErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := fmt.Errorf("command '%s' failed: %w", command, stageErr)
			if p.FailFast {
				return err
			}
			log.Warn("Hook command failed", "command", command, "error", stageErr)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
