// Command preluded is the manager's entry point: parses flags/config via
// cobra and viper, builds every subsystem, and runs until a shutdown
// signal arrives (spec.md §6 "Operational surface", §5 "Cancellation &
// shutdown").
package main

import (
	"os"

	"github.com/prelude-ids/manager/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
