// Package main is the entry point for the vaultd daemon and its client commands.
package main

import (
	"os"

	"github.com/ASHISH26940/vaultd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
