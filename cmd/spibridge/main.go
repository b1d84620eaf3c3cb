// Command spibridge is the command-line front end for the bridge.
package main

import (
	"os"

	"github.com/alexhholmes/spibridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
