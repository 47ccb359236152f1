// Package main is the entry point for the novelforge CLI.
package main

import (
	"os"

	"github.com/kestrelweb/novelforge/cmd/novelforge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
