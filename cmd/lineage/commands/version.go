package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/cmd/lineage/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("output") {
			return printResult(cmd, build.Get())
		}
		fmt.Fprintln(cmd.OutOrStdout(), build.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
