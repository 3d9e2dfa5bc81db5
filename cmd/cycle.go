package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/cycler"
	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/planner"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

func newCycleCmd(opts *globalOptions) *cobra.Command {
	var triggers []string
	c := &cobra.Command{
		Use:   "cycle",
		Short: "Apply retention policies without running a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runCycle(cmd.Context(), cfg, triggers, time.Now())
		},
	}
	c.Flags().StringSliceVarP(&triggers, "trigger", "t", nil, "trigger to cycle (repeatable)")
	return c
}

func runCycle(ctx context.Context, cfg *config.Config, triggers []string, now time.Time) error {
	jobs, err := cfg.Select(triggers)
	if err != nil {
		return usageError(err)
	}
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return usageError(err)
	}
	defer sess.close()

	models, err := planner.Build(cfg, jobs, sess.deps)
	if err != nil {
		return usageError(err)
	}

	status := report.Success
	var errs []error
	for _, m := range models {
		for _, d := range m.Destinations {
			if err := ctx.Err(); err != nil {
				return &ExitError{Code: report.Failure.ExitCode(), Err: err}
			}
			c := cycler.Cycler{}
			if m.Cycler != nil {
				c = *m.Cycler
			}
			rep, err := c.Cycle(ctx, d.Storage, m.Trigger, nil, d.Policy, now)
			switch {
			case err == nil:
			case hints.IsHint(err):
				plog.Info("Cycling skipped", "trigger", m.Trigger, "destination", d.Storage.ID(), "reason", err)
				continue
			default:
				// Failed deletions are retried by the next pass; a failed listing is not.
				var cycErr *cycler.CyclingError
				if errors.As(err, &cycErr) && cycErr.Err == nil {
					status = report.Worst(status, report.Warning)
				} else {
					status = report.Failure
				}
				errs = append(errs, fmt.Errorf("%s on %s: %w", m.Trigger, d.Storage.ID(), err))
			}
			if rep != nil && !rep.DryRun {
				sess.deps.Metrics.AddGenerationsDeleted(m.Trigger, d.Storage.ID(), len(rep.Deleted))
			}
		}
	}
	return statusError(status, errors.Join(errs...))
}
