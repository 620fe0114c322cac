// Command docgate runs the docgate server and its client commands.
package main

import (
	"os"

	"github.com/kilupskalvis/docgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
