// Package main is the entry point for the llguard application.
package main

import (
	"os"

	"github.com/llguard/llguard/cmd/llguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
