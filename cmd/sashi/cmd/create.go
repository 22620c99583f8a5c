package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"evernest.io/sashimono-agent/internal/wire"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new instance",
	Long: `Ask the daemon to provision a new instance for a lease.

Example:
  sashi create --container h123abc --owner rOwnerPubkey --contract contractID --image evernode/sashimono:hp.latest`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		containerName, _ := flags.GetString("container")
		owner, _ := flags.GetString("owner")
		contractID, _ := flags.GetString("contract")
		image, _ := flags.GetString("image")
		hpfsLogLevel, _ := flags.GetString("hpfs-log-level")
		fullHistory, _ := flags.GetBool("full-history")

		if containerName == "" || owner == "" || contractID == "" || image == "" {
			cmd.Println("Error: --container, --owner, --contract, and --image are all required")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := daemon().Create(ctx, wire.CreateRequest{
			ContainerName: containerName,
			OwnerPubkey:   owner,
			ContractID:    contractID,
			Image:         image,
			Config: wire.InstanceConfig{
				HPFSLogLevel: hpfsLogLevel,
				FullHistory:  fullHistory,
			},
		})
		if err != nil {
			cmd.Printf("create failed: %v\n", err)
			os.Exit(1)
		}

		cmd.Printf("%s created: peer port %d, username %s\n", colorBold+resp.Instance.ContainerName+colorReset, resp.Instance.Ports.Peer, resp.Instance.Username)
	},
}

func init() {
	createCmd.Flags().String("container", "", "container name (also the lease token ID)")
	createCmd.Flags().String("owner", "", "owning tenant's XRPL address")
	createCmd.Flags().String("contract", "", "contract ID")
	createCmd.Flags().String("image", "", "contract instance Docker image")
	createCmd.Flags().String("hpfs-log-level", "", "HotPocket filesystem log level override")
	createCmd.Flags().Bool("full-history", false, "request full HotPocket history mode")
	rootCmd.AddCommand(createCmd)
}
