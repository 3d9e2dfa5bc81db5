package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = config.ConfigFileName
			}
			if opts.dryRun {
				plog.Info("[DRY RUN] Would write starter configuration", "path", path)
				return nil
			}
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "WARNING: Configuration file already exists at %s.\n", path)
				if !PromptForConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(), "Overwrite it with the starter configuration?", false) {
					plog.Info(buildinfo.Name + " init canceled.")
					return nil
				}
				force = true
			}
			if err := config.Generate(path, force); err != nil {
				return usageError(err)
			}
			plog.Info("Starter configuration written", "path", path)
			return nil
		},
	}
	c.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration file without asking")
	return c
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
