package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [container_name]",
	Short: "Tear down an instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := daemon().Destroy(ctx, args[0])
		if err != nil {
			cmd.Printf("destroy failed: %v\n", err)
			os.Exit(1)
		}
		cmd.Printf("%s destroyed\n", resp.ContainerName)
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
