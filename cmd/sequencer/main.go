// Command sequencer runs event orchestration scenarios.
package main

import (
	"os"

	"github.com/opencode-ai/sequencer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
