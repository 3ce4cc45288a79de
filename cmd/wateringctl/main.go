// Command wateringctl runs and inspects the irrigation controller.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/wateringctl/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
