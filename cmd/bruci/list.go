package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"pkt.systems/bruci/internal/collection"
)

func newListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list [root]",
		Short: "List collections, their environments and descriptor counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) > 0 {
				root = args[0]
			}
			logger := loggerFromCmd(cmd)
			colls, err := collection.Discover(root)
			if err != nil && len(colls) == 0 {
				return &exitError{code: exitUsage, err: err}
			}
			if err != nil {
				logger.Warn("skipped directories", "error", err)
			}

			absRoot, _ := filepath.Abs(root)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COLLECTION\tDIR\tENVIRONMENTS\tDESCRIPTORS")
			for _, c := range colls {
				dir := c.Dir
				if rel, err := filepath.Rel(absRoot, c.Dir); err == nil {
					dir = rel
				}
				envs := strings.Join(c.EnvironmentNames(), ",")
				if envs == "" {
					envs = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Name, dir, envs, len(c.Descriptors))
			}
			return tw.Flush()
		},
	}
	addLoggingFlags(listCmd.Flags())
	return listCmd
}
