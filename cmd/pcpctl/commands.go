package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nodeCountCmd = &cobra.Command{
	Use:   "pcp_node_count",
	Short: "print the number of configured backend nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.NodeCount()
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var nodeInfoCmd = &cobra.Command{
	Use:   "pcp_node_info",
	Short: "print one backend node's record",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		row, err := c.NodeInfo(nodeID)
		if err != nil {
			return err
		}
		fmt.Printf("id=%d host=%s port=%d status=%s role=%s weight=%g lag=%d\n",
			row.ID, row.Host, row.Port, row.Status, row.Role, row.Weight, row.ReplicationLag)
		return nil
	},
}

func init() {
	nodeInfoCmd.Flags().IntP("node-id", "n", 0, "backend node id")
	_ = nodeInfoCmd.MarkFlagRequired("node-id")
}

var procCountCmd = &cobra.Command{
	Use:   "pcp_proc_count",
	Short: "print the current session-worker count",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.ProcCount()
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var procInfoCmd = &cobra.Command{
	Use:   "pcp_proc_info",
	Short: "print the session-worker table, or one entry with -P",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetInt64("pid")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		rows, err := c.ProcInfo(pid)
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("pid=%d status=%s backend=%d client_conns=%d pooled_conns=%d\n",
				row.PID, row.Status, row.LoadBalanceNode, row.ClientConnCount, row.PooledConnCount)
		}
		return nil
	},
}

func init() {
	procInfoCmd.Flags().Int64P("pid", "P", 0, "session-worker id; 0 lists every worker")
}

var poolStatusCmd = &cobra.Command{
	Use:   "pcp_pool_status",
	Short: "print the pool's configuration and status table",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		rows, err := c.PoolStatus()
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("%s = %s\n", row.Name, row.Value)
		}
		return nil
	},
}

var attachNodeCmd = &cobra.Command{
	Use:   "pcp_attach_node",
	Short: "attach a backend node (enqueue NODE_UP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.AttachNode(nodeID)
	},
}

func init() {
	attachNodeCmd.Flags().IntP("node-id", "n", 0, "backend node id")
	_ = attachNodeCmd.MarkFlagRequired("node-id")
}

var detachNodeCmd = &cobra.Command{
	Use:   "pcp_detach_node",
	Short: "detach a backend node (enqueue NODE_DOWN)",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		gracefulOff, _ := cmd.Flags().GetBool("immediate")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.DetachNode(nodeID, gracefulOff)
	},
}

func init() {
	detachNodeCmd.Flags().IntP("node-id", "n", 0, "backend node id")
	_ = detachNodeCmd.MarkFlagRequired("node-id")
	detachNodeCmd.Flags().Bool("immediate", false, "force detach without waiting for a clean quorum disconnect")
}

var promoteNodeCmd = &cobra.Command{
	Use:   "pcp_promote_node",
	Short: "promote a standby backend node to primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		mode, _ := cmd.Flags().GetString("mode")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.PromoteNode(nodeID, mode == "s")
	},
}

func init() {
	promoteNodeCmd.Flags().IntP("node-id", "n", 0, "backend node id to promote")
	_ = promoteNodeCmd.MarkFlagRequired("node-id")
	promoteNodeCmd.Flags().StringP("mode", "m", "s", "promote mode: s=switchover (graceful), n=immediate")
}

var recoveryNodeCmd = &cobra.Command{
	Use:   "pcp_recovery_node",
	Short: "run online recovery for a backend node (enqueue NODE_UP with recovery)",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.RecoveryNode(nodeID)
	},
}

func init() {
	recoveryNodeCmd.Flags().IntP("node-id", "n", 0, "backend node id")
	_ = recoveryNodeCmd.MarkFlagRequired("node-id")
}

var stopPgpoolCmd = &cobra.Command{
	Use:   "pcp_stop_pgpool",
	Short: "shut down the pool (smart/fast/immediate)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		cluster, _ := cmd.Flags().GetBool("cluster")
		if len(mode) != 1 || (mode[0] != 's' && mode[0] != 'f' && mode[0] != 'i') {
			return fmt.Errorf("mode must be one of s, f, i")
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Shutdown(cluster, mode[0])
	},
}

func init() {
	stopPgpoolCmd.Flags().StringP("mode", "m", "s", "shutdown mode: s=smart, f=fast, i=immediate")
	stopPgpoolCmd.Flags().BoolP("cluster", "g", false, "shut down every node in the cluster, not just this one")
}

var watchdogInfoCmd = &cobra.Command{
	Use:   "pcp_watchdog_info",
	Short: "print the watchdog cluster's node list as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		wdID, _ := cmd.Flags().GetInt("watchdog-id")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		payload, err := c.WatchdogInfo(wdID)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	},
}

func init() {
	watchdogInfoCmd.Flags().Int("watchdog-id", 0, "watchdog node id")
}

var reloadConfigCmd = &cobra.Command{
	Use:   "pcp_reload_config",
	Short: "reload configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.ReloadConfig(scope == "c")
	},
}

func init() {
	reloadConfigCmd.Flags().StringP("scope", "s", "l", "reload scope: l=local, c=cluster")
}

var healthCheckStatsCmd = &cobra.Command{
	Use:   "pcp_health_check_stats",
	Short: "print one backend's health-check counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt("node-id")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		row, err := c.HealthCheckStats(nodeID)
		if err != nil {
			return err
		}
		fmt.Printf("backend=%d total=%d success=%d fail=%d skip=%d retry=%d avg_ms=%.2f\n",
			row.BackendID, row.Total, row.Success, row.Fail, row.Skip, row.Retry, row.AvgMillis)
		return nil
	},
}

func init() {
	healthCheckStatsCmd.Flags().IntP("node-id", "n", 0, "backend node id")
	_ = healthCheckStatsCmd.MarkFlagRequired("node-id")
}
