package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/job"
	"github.com/paulschiretz/pgl-dump/pkg/planner"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

func newPerformCmd(opts *globalOptions) *cobra.Command {
	var (
		triggers []string
		parallel bool
	)
	c := &cobra.Command{
		Use:   "perform",
		Short: "Run backup jobs",
		Long: `Runs the selected jobs, or every configured job when no --trigger is given.
The exit code is that of the worst outcome: 0 success, 1 warnings, 2 failure, 3 configuration error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runPerform(cmd.Context(), cfg, triggers, parallel)
		},
	}
	c.Flags().StringSliceVarP(&triggers, "trigger", "t", nil, "trigger of the job to run (repeatable)")
	c.Flags().BoolVar(&parallel, "parallel", false, "run the selected jobs concurrently, bounded by performance.parallelJobs")
	return c
}

func runPerform(ctx context.Context, cfg *config.Config, triggers []string, parallel bool) error {
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

	reports := make([]*report.Report, len(models))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if parallel {
		g.SetLimit(cfg.Performance.ParallelJobs)
	} else {
		g.SetLimit(1)
	}
	for i, m := range models {
		g.Go(func() error {
			// Job failures are reported, never returned, so siblings keep running.
			rep := m.Perform(gctx)
			mu.Lock()
			reports[i] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if path := cfg.Metrics.Textfile; path != "" && !cfg.Runtime.DryRun {
		if err := sess.deps.Metrics.WriteTextfile(path); err != nil {
			plog.Warn("Failed to write metrics textfile", "path", path, "error", err)
		}
	}
	return summarize(models, reports)
}

// summarize logs one line per job and folds the statuses into the exit error.
func summarize(models []*job.Model, reports []*report.Report) error {
	worst := report.Success
	var errs []error
	for i, rep := range reports {
		if rep == nil {
			continue
		}
		worst = report.Worst(worst, rep.Status)
		args := []any{"trigger", rep.Trigger, "status", rep.Status, "duration", rep.Duration()}
		switch rep.Status {
		case report.Failure:
			plog.Error("Job failed", append(args, "error", rep.Error())...)
			errs = append(errs, fmt.Errorf("job %s: %s", models[i].Trigger, rep.Error()))
		case report.Warning:
			plog.Warn("Job finished with warnings", args...)
		default:
			plog.Info("Job finished", args...)
		}
	}
	return statusError(worst, errors.Join(errs...))
}
