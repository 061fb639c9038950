// Command retract runs and inspects a replica of a cancellable record log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/retract/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
