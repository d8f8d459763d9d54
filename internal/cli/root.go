// Package cli implements the kpd command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/kernel-patches/kpd/internal/logging"
)

var (
	verbose    bool
	configPath string

	rootCmd = &cobra.Command{
		Use:   "kpd",
		Short: "Kernel patches daemon: sync Patchwork series to GitHub pull requests",
		Long: `kpd watches a Patchwork project for patch series, applies them onto
mirrored kernel branches, opens pull requests for CI, and reports the
results back to Patchwork as checks.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "kpd.jsonc", "Path to the configuration file")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose)
	}
}

func Execute() error {
	return rootCmd.Execute()
}
