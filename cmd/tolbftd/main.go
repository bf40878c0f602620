// Command tolbftd runs a TOL BFT validator or observer node.
package main

import (
	"fmt"
	"os"

	"github.com/tolelom/tolbft/cmd/tolbftd/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
