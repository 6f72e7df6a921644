// Package cli implements the epud command-line interface using Cobra.
// Each subcommand drives or inspects one running daemon process.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "epud",
	Short: "epud — elastic compute control plane",
	Long: `epud runs the EPUM/PDC control plane: elastic instance provisioning
driven by per-domain decision engines, and process dispatch onto the
execution engines those instances host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
