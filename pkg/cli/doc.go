// Package cli provides common utilities for the lineage command-line tool.
//
// This package includes:
//   - Output formatting (YAML, JSON, table)
//   - Table rendering with lipgloss styles
//   - Input file loading (YAML/JSON, JSON Lines)
//   - Per-user paths for configuration and data
//
// Example usage:
//
//	paths, err := cli.NewPaths("lineage")
//	dataDir := paths.DataDir()
//
//	// Output result
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatTable,
//	})
package cli
