package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypool/relaypool/pkg/pcp"
)

const dialTimeout = 5 * time.Second

// dial opens an authenticated PCP connection from the root command's
// persistent --host/--port/--user/--password flags.
func dial(cmd *cobra.Command) (*pcp.Client, error) {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")

	addr := fmt.Sprintf("%s:%d", host, port)
	return pcp.Dial("tcp", addr, user, password, dialTimeout)
}
