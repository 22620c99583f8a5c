package cmd

import (
	"github.com/spf13/viper"

	"evernest.io/sashimono-agent/internal/daemonclient"
)

// daemon builds a fresh daemonclient.Client bound to the configured socket
// path for each subcommand invocation, the same fresh-per-call shape the
// client package itself uses for the wire round trip.
func daemon() *daemonclient.Client {
	return daemonclient.New(viper.GetString("socket"))
}

// ANSI color codes, used the way the teacher's status.go colorizes output.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorizeLeaseStatus(status string) string {
	switch status {
	case "Acquired", "Extended":
		return colorGreen + status + colorReset
	case "Destroyed", "Expired":
		return colorRed + status + colorReset
	default:
		return colorYellow + status + colorReset
	}
}
