// Package main is the entry point for the brightlamp tutoring backend CLI.
//
// Usage:
//
//	brightlamp [flags] <command> [subcommand] [args]
//
// Commands:
//
//	serve      - Run the realtime conversation server
//	sessions   - Inspect and manage conversation sessions
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/brightlamp-ai/brightlamp/cmd/brightlamp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
