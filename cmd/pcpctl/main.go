// Command pcpctl is the Control Protocol Client CLI: one
// subcommand per pgpool-II "pcp_*" tool, each a thin wrapper over
// pkg/pcp.Client that authenticates, issues one request, prints the reply,
// and exits with a non-zero status on any error.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pcpctl",
	Short: "pcpctl drives a running relaypoold's Control Protocol Server",
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "127.0.0.1", "PCP server host")
	rootCmd.PersistentFlags().IntP("port", "p", 9898, "PCP server port")
	rootCmd.PersistentFlags().StringP("user", "U", "", "PCP username")
	rootCmd.PersistentFlags().StringP("password", "w", "", "PCP password")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "debug output")

	rootCmd.AddCommand(
		nodeCountCmd,
		nodeInfoCmd,
		procCountCmd,
		procInfoCmd,
		poolStatusCmd,
		attachNodeCmd,
		detachNodeCmd,
		promoteNodeCmd,
		recoveryNodeCmd,
		stopPgpoolCmd,
		watchdogInfoCmd,
		reloadConfigCmd,
		healthCheckStatsCmd,
	)
}
