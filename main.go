package main

import (
	"os"

	"github.com/conneroisu/docserve/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
