package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"evernest.io/sashimono-agent/internal/wire"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [container_name]",
	Short: "Show one instance's full detail",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := daemon().Inspect(ctx, args[0])
		if err != nil {
			cmd.Printf("inspect failed: %v\n", err)
			os.Exit(1)
		}
		printInspect(cmd, resp)
	},
}

func printInspect(cmd *cobra.Command, resp wire.InspectResponse) {
	inst := resp.Instance
	cmd.Printf("%sContainer:%s  %s\n", colorDim, colorReset, inst.ContainerName)
	cmd.Printf("%sContract:%s   %s\n", colorDim, colorReset, inst.ContractID)
	cmd.Printf("%sImage:%s      %s\n", colorDim, colorReset, inst.ImageName)
	cmd.Printf("%sStatus:%s     %s\n", colorDim, colorReset, inst.Status)
	cmd.Printf("%sOwner:%s      %s\n", colorDim, colorReset, inst.OwnerPubkey)
	cmd.Printf("%sUsername:%s   %s\n", colorDim, colorReset, resp.Username)
	cmd.Printf("%sIP:%s         %s\n", colorDim, colorReset, inst.IP)
	cmd.Printf("%sPorts:%s      peer=%d user=%d gp_tcp=%d gp_udp=%d\n", colorDim, colorReset,
		inst.Ports.Peer, inst.Ports.User, inst.Ports.GPTCPBase, inst.Ports.GPUDPBase)
	if inst.TenantAddress != "" {
		cmd.Printf("%sTenant:%s     %s\n", colorDim, colorReset, inst.TenantAddress)
		cmd.Printf("%sLease:%s      %s (lease life %d moments)\n", colorDim, colorReset, colorizeLeaseStatus(inst.LeaseStatus), inst.LifeMoments)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
