// Package main is the entry point for the lineage CLI.
//
// Usage:
//
//	lineage [flags] <command> [subcommand] [args]
//
// Commands:
//
//	session    - Create, inspect and list sessions
//	prompt     - Append a prompt to a session
//	response   - Record a response to a prompt
//	edge       - Add a custom edge
//	thread     - Show a session's conversation thread
//	query      - Filter nodes
//	walk       - Traverse the graph from a node
//	ingest     - Load interactions from a JSON Lines or YAML file
//	verify     - Check graph invariants
//	repair     - Rebuild indices and aggregates
//	export     - Write a session as JSON
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/lineage/cmd/lineage/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
