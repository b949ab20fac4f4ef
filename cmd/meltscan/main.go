// Command meltscan is the entry point for the meltscan port scanner.
package main

import (
	"github.com/meltsec/meltscan/cmd/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
