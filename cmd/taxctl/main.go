package main

import (
	"os"

	"github.com/odyssey-erp/odyssey-tax/cmd/taxctl/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
