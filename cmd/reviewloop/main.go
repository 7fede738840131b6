// Package main provides the entry point for the reviewloop CLI.
package main

import (
	"os"

	"github.com/reviewloop/reviewloop/cmd/reviewloop/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
