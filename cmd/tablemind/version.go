package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/tablemind/internal/common"
)

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "TableMind version %s\n", common.GetFullVersion())
	},
}
