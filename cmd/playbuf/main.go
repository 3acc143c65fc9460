// Package main is the entry point for the playbuf application.
package main

import (
	"os"

	"github.com/kestrelmedia/playbuf/cmd/playbuf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
