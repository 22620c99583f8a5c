package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sashi",
	Short: "Operator CLI for the sashimono lifecycle daemon",
	Long: `sashi talks to the sashimono lifecycle daemon over its Unix domain
socket to list, create, start, stop, destroy, inspect, and attach to
leased instances on this host.`,
}

// Execute runs the root command; main's only job is to exit(1) on error.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sashi.yaml)")

	rootCmd.PersistentFlags().String("socket", "/var/lib/sashimono/sa.sock", "lifecycle daemon Unix domain socket path")
	viper.BindPFlag("socket", rootCmd.PersistentFlags().Lookup("socket"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".sashi")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SASHIMONO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
