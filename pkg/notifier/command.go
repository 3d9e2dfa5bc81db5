package notifier

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

// Command runs a shell command with the report in PGL_DUMP_* variables.
type Command struct {
	Run      string
	Executor *pipeline.Executor
}

func (c *Command) Name() string { return "command" }

// Env renders the variables a command notifier sees.
func Env(r *report.Report) []string {
	return []string{
		"PGL_DUMP_TRIGGER=" + r.Trigger,
		"PGL_DUMP_RUN_ID=" + r.RunID,
		"PGL_DUMP_STATUS=" + r.Status.String(),
		"PGL_DUMP_EXIT_CODE=" + strconv.Itoa(r.Status.ExitCode()),
		"PGL_DUMP_STARTED=" + r.Started.UTC().Format("2006-01-02T15:04:05Z"),
		"PGL_DUMP_DURATION_SECONDS=" + strconv.FormatInt(int64(r.Duration().Seconds()), 10),
		"PGL_DUMP_PACKAGE_BYTES=" + strconv.FormatInt(r.PackageSize, 10),
		"PGL_DUMP_SUBJECT=" + r.Subject(),
		"PGL_DUMP_ERROR=" + r.Error(),
		"PGL_DUMP_MESSAGE=" + strings.Join(r.Lines, "\n"),
	}
}

func (c *Command) Notify(ctx context.Context, r *report.Report) error {
	executor := c.Executor
	if executor == nil {
		executor = pipeline.NewExecutor(nil)
	}
	res, err := executor.Run(ctx, []pipeline.Stage{{Name: "notify:command", Command: c.Run, Env: Env(r)}}, io.Discard)
	if err != nil {
		return err
	}
	if stageErr := res.Err(); stageErr != nil {
		return fmt.Errorf("notification command failed: %w", stageErr)
	}
	return nil
}

var _ Notifier = (*Command)(nil)
