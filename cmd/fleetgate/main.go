// Package main is the entry point for the fleetgate CLI.
package main

import (
	"os"

	"github.com/KafClaw/fleetgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
