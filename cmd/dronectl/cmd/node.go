package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var nodeInfoCmd = &cobra.Command{
	Use:   "node-info",
	Short: "Query cluster status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := client.NodeInfo(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var startAllCmd = &cobra.Command{
	Use:   "start-all <count>",
	Short: "Start the given number of cluster nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("node count must be an integer: %w", err)
		}
		reply, err := client.StartAll(cmd.Context(), count)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var createTasksCmd = &cobra.Command{
	Use:   "create-tasks <source-path> <job-name>",
	Short: "Broadcast a batch task from a source file under a job name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := client.CreateTasks(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <node-name>",
	Short: "Stop the named cluster node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := client.Shutdown(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodeInfoCmd, startAllCmd, createTasksCmd, shutdownCmd)
}
