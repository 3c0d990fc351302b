// Command tillguard runs the checkout security edge service, the central
// event store and their operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tillguard/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
