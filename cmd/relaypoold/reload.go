package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypool/relaypool/pkg/pcp"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "ask a running relaypoold to reload its configuration over PCP",
	RunE:  runReload,
}

func init() {
	reloadCmd.Flags().String("pcp-addr", "127.0.0.1:9898", "PCP server address")
	reloadCmd.Flags().String("pcp-user", "", "PCP username")
	reloadCmd.Flags().String("pcp-password", "", "PCP password")
	reloadCmd.Flags().Bool("cluster", false, "reload every node in the cluster, not just this one")
}

func runReload(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("pcp-addr")
	user, _ := cmd.Flags().GetString("pcp-user")
	password, _ := cmd.Flags().GetString("pcp-password")
	cluster, _ := cmd.Flags().GetBool("cluster")

	client, err := pcp.Dial("tcp", addr, user, password, 5*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.ReloadConfig(cluster)
}
