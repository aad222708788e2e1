// Package main is the entry point for the runtara CLI.
// The CLI is the operator terminal tool for the environment plane.
package main

import (
	"os"

	"github.com/runtarahq/runtara/cmd/runtara/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
