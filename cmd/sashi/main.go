// Command sashi is the operator CLI (spec section 11): a cobra/viper
// front end over the lifecycle daemon's Unix domain socket, mirroring the
// teacher's cmd/cli shape with the socket replacing the HTTP URL+token.
package main

import (
	"os"

	"evernest.io/sashimono-agent/cmd/sashi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
