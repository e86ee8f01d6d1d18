// Package main is the single-binary entrypoint for corerun.
package main

import (
	"os"

	"github.com/tutu-network/corerun/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
