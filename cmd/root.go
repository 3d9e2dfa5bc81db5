// Package cmd implements the pgl-dump command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/metrics"
	"github.com/paulschiretz/pgl-dump/pkg/planner"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
	"github.com/paulschiretz/pgl-dump/pkg/runlock"
)

// ExitUsage is the exit code for CLI usage and configuration errors.
const ExitUsage = 3

// ExitError carries the exit code a finished command wants the process to end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps the error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	// Anything cobra rejects before a command runs is a usage error.
	return ExitUsage
}

func statusError(st report.Status, err error) error {
	if st == report.Success {
		return nil
	}
	return &ExitError{Code: st.ExitCode(), Err: err}
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

type globalOptions struct {
	configPath string
	logLevel   string
	quiet      bool
	dryRun     bool
}

// NewRootCmd builds the command tree. A fresh tree is built per call.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   buildinfo.AppID,
		Short: buildinfo.Name + " - database and file backup orchestration",
		Long: buildinfo.Name + ` dumps databases and files through streaming pipelines,
packages the result, uploads it to one or more storages and rotates old generations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			plog.SetQuiet(opts.quiet)
			if opts.logLevel != "" {
				plog.SetLevel(plog.LevelFromString(opts.logLevel))
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is ./"+config.ConfigFileName+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: 'debug', 'notice', 'info', 'warn', 'error'")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "show what would be done without making any changes")

	root.AddCommand(
		newPerformCmd(opts),
		newCycleCmd(opts),
		newListCmd(opts),
		newCheckCmd(opts),
		newInitCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI with args and returns the error for ExitCode.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		var exitErr *ExitError
		// A bare exit code was already reported by the command itself.
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return err
}

// loadConfig loads, overlays flags onto and validates the configuration.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, usageError(err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	cfg.Runtime.DryRun = opts.dryRun
	if err := cfg.Validate(); err != nil {
		return nil, usageError(err)
	}
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	cfg.LogSummary()
	return &cfg, nil
}

// session holds the shared collaborators of one invocation.
type session struct {
	deps  planner.Deps
	close func()
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	hist, err := history.Open(cfg.History.Driver, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	locker, err := runlock.Open(ctx, runlock.Options{
		Driver:    cfg.Lock.Driver,
		Dir:       cfg.Lock.Dir,
		RedisURL:  cfg.Lock.RedisURL,
		KeyPrefix: cfg.Lock.KeyPrefix,
	})
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("failed to open run lock: %w", err)
	}
	s := &session{
		deps: planner.Deps{History: hist, Locker: locker, Metrics: metrics.New()},
	}
	s.close = func() {
		if c, ok := locker.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				plog.Warn("Failed to close run lock", "error", err)
			}
		}
		if err := hist.Close(); err != nil {
			plog.Warn("Failed to close history", "error", err)
		}
	}
	return s, nil
}
