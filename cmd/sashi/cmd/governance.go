package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evernest.io/sashimono-agent/internal/config"
)

// governanceCmd is an operator-facing declaration of voting intent. It
// writes the same JSON-or-YAML file format internal/config.Governance
// reads, separate from the heartbeat scheduler's own governance queue
// (internal/heartbeat.Governance) which holds the candidates still waiting
// to be voted on in a heartbeat. This lets an operator stage "what I want
// voted" independent of "what is queued to be sent".
var governanceCmd = &cobra.Command{
	Use:   "governance",
	Short: "Manage this host's staged governance vote declarations",
}

var governanceVoteCmd = &cobra.Command{
	Use:   "vote [candidate_id] [support|reject]",
	Short: "Stage a vote for a governance candidate",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		candidateID, vote := args[0], args[1]
		if vote != string(config.VoteSupport) && vote != string(config.VoteReject) {
			cmd.Println("Error: vote must be \"support\" or \"reject\"")
			return
		}

		path := viper.GetString("governance-file")
		gov, err := config.LoadGovernance(path)
		if err != nil {
			cmd.Printf("load governance file: %v\n", err)
			os.Exit(1)
		}
		gov[candidateID] = config.Vote(vote)
		if err := gov.Save(path); err != nil {
			cmd.Printf("save governance file: %v\n", err)
			os.Exit(1)
		}
		cmd.Printf("staged %s for candidate %s\n", vote, candidateID)
	},
}

var governanceUnsetCmd = &cobra.Command{
	Use:   "unset [candidate_id]",
	Short: "Remove a staged vote",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := viper.GetString("governance-file")
		gov, err := config.LoadGovernance(path)
		if err != nil {
			cmd.Printf("load governance file: %v\n", err)
			os.Exit(1)
		}
		gov.DeleteVote(args[0])
		if err := gov.Save(path); err != nil {
			cmd.Printf("save governance file: %v\n", err)
			os.Exit(1)
		}
		cmd.Printf("removed staged vote for candidate %s\n", args[0])
	},
}

var governanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged votes",
	Run: func(cmd *cobra.Command, args []string) {
		path := viper.GetString("governance-file")
		gov, err := config.LoadGovernance(path)
		if err != nil {
			cmd.Printf("load governance file: %v\n", err)
			os.Exit(1)
		}
		if len(gov) == 0 {
			cmd.Println("no staged votes")
			return
		}
		for candidateID, vote := range gov {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", candidateID, vote)
		}
	},
}

func init() {
	governanceCmd.PersistentFlags().String("governance-file", "/etc/sashimono/governance.json", "path to the staged governance vote file")
	viper.BindPFlag("governance-file", governanceCmd.PersistentFlags().Lookup("governance-file"))

	governanceCmd.AddCommand(governanceVoteCmd, governanceUnsetCmd, governanceListCmd)
	rootCmd.AddCommand(governanceCmd)
}
