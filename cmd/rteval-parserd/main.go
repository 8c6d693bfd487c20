// Command rteval-parserd is the daemon entry point: it parses flags,
// dispatches to the ingestion daemon or the export subcommand, and exits
// with the code app.AppRunner.Run decided on.
package main

import (
	"os"

	"rteval-parserd/internal/app"
)

func main() {
	runner := app.NewAppRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
