// Package main is the entry point for the dashgo application.
package main

import (
	"os"

	"github.com/jmylchreest/dashgo/cmd/dashgo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
