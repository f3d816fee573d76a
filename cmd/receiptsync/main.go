// Command receiptsync reconciles out-of-order sync signals against a local
// message store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/receiptsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
