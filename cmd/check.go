package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/planner"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/preflight"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var triggers []string
	c := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the host without running a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cfg, triggers)
		},
	}
	c.Flags().StringSliceVarP(&triggers, "trigger", "t", nil, "trigger to check (repeatable)")
	return c
}

func runCheck(ctx context.Context, cfg *config.Config, triggers []string) error {
	jobs, err := cfg.Select(triggers)
	if err != nil {
		return usageError(err)
	}
	if err := preflight.CheckDirWritable(cfg.DataDir); err != nil {
		return usageError(fmt.Errorf("data directory: %w", err))
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
	failed := 0
	for _, m := range models {
		if err := m.Check(ctx); err != nil {
			plog.Error("Job check failed", "trigger", m.Trigger, "error", err)
			failed++
			continue
		}
		plog.Info("Job check passed", "trigger", m.Trigger)
	}
	if failed > 0 {
		return &ExitError{Code: report.Failure.ExitCode(), Err: fmt.Errorf("%d of %d job(s) failed the check", failed, len(models))}
	}
	return nil
}
