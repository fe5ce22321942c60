package main

import (
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/manifold-api/manifold/internal/cli/ui"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		table := ui.NewKeyValueTable(os.Stdout, false)
		table.AddRow("version", Version)
		table.AddRow("commit", GitCommit)
		table.AddRow("built", BuildDate)
		table.AddRow("go", runtime.Version())
		table.Render()
	},
}
