// Command sharedspace serves the embedding-space comparability API and runs
// one-off comparisons from the command line.
package main

import (
	"fmt"
	"os"
)

// Build information, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sharedspace: %v\n", err)
		os.Exit(1)
	}
}
