// Command repro runs reproducible computational experiments.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/repro/internal/cli"
	"github.com/roach88/repro/internal/handlers"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line and returns the exit code.
func run(args []string) int {
	cmd := cli.NewRootCommand(handlers.Builtins())
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cli.GetExitCode(err)
}
