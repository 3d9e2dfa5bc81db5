package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
)

func newVersionCmd() *cobra.Command {
	var short bool
	c := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", buildinfo.Name, buildinfo.Version)
		},
	}
	c.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return c
}
