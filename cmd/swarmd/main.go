// Command swarmd runs the agent-fleet orchestrator: it watches a GitHub
// repository for labeled issues, dispatches a coding agent against each one,
// and shepherds the resulting pull requests through review until merged.
package main

import (
	"fmt"
	"os"

	"github.com/andywolf/swarmd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "swarmd:", err)
		os.Exit(1)
	}
}
