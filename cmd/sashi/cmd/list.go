package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every instance the daemon knows about",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := daemon().List(ctx)
		if err != nil {
			cmd.Printf("list failed: %v\n", err)
			os.Exit(1)
		}

		if len(resp.Content) == 0 {
			cmd.Println("no instances")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONTAINER\tCONTRACT\tIMAGE\tPEER PORT\tSTATUS\tLEASE")
		for _, inst := range resp.Content {
			leaseStatus := inst.LeaseStatus
			if leaseStatus == "" {
				leaseStatus = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				inst.ContainerName, inst.ContractID, inst.ImageName, inst.Ports.Peer, inst.Status, colorizeLeaseStatus(leaseStatus))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
