package main

import (
	"os"

	"github.com/pixelforge/pixelforge/cmd"
)

// Injected during build.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := cmd.Execute(version, buildTime, gitCommit); err != nil {
		os.Exit(1)
	}
}
