// Package commands implements the gofpr CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the configuration file path shared by all commands.
var configPath string

// rootCmd is the top-level cobra command for gofpr.
var rootCmd = &cobra.Command{
	Use:   "gofpr",
	Short: "Fast Peer Router simulator daemon",
	Long: "gofpr runs a network of FPR devices (hosts, clients, extenders) over an\n" +
		"in-memory radio medium and exposes metrics and an introspection API.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
