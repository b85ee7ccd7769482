// Command offloadctl is the thin client for the offload daemon: it
// registers and cancels builds, queries status, and blocks on build or
// global idleness.
package main

import (
	"os"

	"offload/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
