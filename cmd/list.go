package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/planner"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/report"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		triggers []string
		order    string
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List the generations held by each destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sortOrder, err := planner.ParseSortOrder(order)
			if err != nil {
				return usageError(err)
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runList(cmd.Context(), cfg, triggers, sortOrder, cmd.OutOrStdout())
		},
	}
	c.Flags().StringSliceVarP(&triggers, "trigger", "t", nil, "trigger to list (repeatable)")
	c.Flags().StringVar(&order, "order", planner.Desc.String(), "sort order: 'desc' (newest first) or 'asc'")
	return c
}

func runList(ctx context.Context, cfg *config.Config, triggers []string, order planner.SortOrder, out io.Writer) error {
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
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIGGER\tDESTINATION\tGENERATION\tSIZE\tFILES")
	for _, m := range models {
		for _, d := range m.Destinations {
			gens, err := listGenerations(ctx, d.Storage, sess.deps.History, m.Trigger)
			if err != nil {
				plog.Warn("Failed to list destination", "trigger", m.Trigger, "destination", d.Storage.ID(), "error", err)
				status = report.Worst(status, report.Warning)
				continue
			}
			planner.SortGenerations(gens, order)
			for _, g := range gens {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", g.Trigger, g.DestinationID, g.Key(), humanize.IBytes(uint64(g.Size)), len(g.RemoteIdentifiers))
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return statusError(status, nil)
}

// listGenerations asks the storage first and falls back to the run history
// for storages that cannot list.
func listGenerations(ctx context.Context, st storage.Storage, hist history.Store, trigger string) ([]storage.Generation, error) {
	gens, err := st.ListGenerations(ctx, trigger)
	if err == nil || !hints.Is(err, storage.ErrListUnsupported) || hist == nil {
		return gens, err
	}
	recs, err := hist.List(ctx, trigger, st.ID())
	if err != nil {
		return nil, err
	}
	gens = make([]storage.Generation, len(recs))
	for i, r := range recs {
		gens[i] = r.Generation()
	}
	return gens, nil
}
