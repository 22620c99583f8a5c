package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start [container_name]",
	Short: "Start a stopped instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := daemon().Start(ctx, args[0])
		if err != nil {
			cmd.Printf("start failed: %v\n", err)
			os.Exit(1)
		}
		cmd.Printf("%s: %s\n", resp.ContainerName, resp.Status)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
