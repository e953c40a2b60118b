package main

import (
	"fmt"
	"os"

	"github.com/agentworkforce/prunebox/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "prunebox: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
