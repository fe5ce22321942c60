package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information - will be set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "manifold",
		Short: "JSON:API resource server",
		Long: `Manifold serves declaratively configured resources over a JSON:API
HTTP interface backed by pluggable storage adapters.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing manifold.yml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
