// Command rally is the entry point for the orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"rally/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
