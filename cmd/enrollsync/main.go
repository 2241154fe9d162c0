// Command enrollsync pushes locally recorded program enrollments to a remote
// tracker.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/enrollsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
