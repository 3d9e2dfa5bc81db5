package notifier

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
)

// Log writes the report summary to the log.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(ctx context.Context, r *report.Report) error {
	args := []any{"trigger", r.Trigger, "run_id", r.RunID, "status", r.Status, "duration", r.Duration().Round(time.Millisecond)}
	switch r.Status {
	case report.Success:
		plog.Info("Run finished", args...)
	case report.Warning:
		plog.Warn("Run finished with warnings", args...)
	default:
		plog.Error("Run failed", append(args, "error", r.Error())...)
	}
	return nil
}

var _ Notifier = Log{}
