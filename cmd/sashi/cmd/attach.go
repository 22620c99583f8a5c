package cmd

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach [container_name]",
	Short: "Attach an interactive shell to an instance's OS user (ctrl-c to detach)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		containerName := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := daemon().Inspect(ctx, containerName)
		cancel()
		if err != nil {
			cmd.Printf("inspect failed: %v\n", err)
			os.Exit(1)
		}

		// Runs interactively, inheriting this process's stdio, so ctrl-c
		// reaches the child shell directly and simply ends the session -
		// the same detach binding the teacher's terminal-attached
		// subcommands rely on.
		attach := exec.Command("docker", "exec", "-it", containerName, "su", "-", resp.Username)
		attach.Stdin = os.Stdin
		attach.Stdout = os.Stdout
		attach.Stderr = os.Stderr
		if err := attach.Run(); err != nil {
			cmd.Printf("attach failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
