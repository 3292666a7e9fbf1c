package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	// FormatYAML outputs as YAML (default for terminal)
	FormatYAML OutputFormat = "yaml"
	// FormatJSON outputs as JSON
	FormatJSON OutputFormat = "json"
	// FormatTable outputs as formatted table
	FormatTable OutputFormat = "table"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatYAML, FormatJSON, FormatTable:
		return f, nil
	case "":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// Tabular is implemented by results that have a table rendering.
type Tabular interface {
	Table() *Table
}

// OutputOptions configures output behavior
type OutputOptions struct {
	// Format is the output format (yaml, json, table)
	Format OutputFormat

	// File is the output file path (empty for stdout)
	File string

	// Indent is the indentation for JSON output
	Indent string

	// Writer is an optional custom writer (overrides File)
	Writer io.Writer

	// Styles are used by table output. Zero means DefaultStyles.
	Styles *Styles
}

// Output writes the result to the configured destination. Table output
// falls back to YAML for results that are not Tabular.
func Output(result any, opts OutputOptions) error {
	var w io.Writer = os.Stdout

	if opts.Writer != nil {
		w = opts.Writer
	} else if opts.File != "" {
		f, err := os.Create(opts.File)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch opts.Format {
	case FormatJSON:
		return outputJSON(w, result, opts.Indent)
	case FormatYAML, "":
		return outputYAML(w, result)
	case FormatTable:
		t, ok := result.(Tabular)
		if !ok {
			return outputYAML(w, result)
		}
		styles := DefaultStyles()
		if opts.Styles != nil {
			styles = *opts.Styles
		}
		_, err := io.WriteString(w, t.Table().Render(styles)+"\n")
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}

func outputJSON(w io.Writer, result any, indent string) error {
	enc := json.NewEncoder(w)
	if indent == "" {
		indent = "  "
	}
	enc.SetIndent("", indent)
	return enc.Encode(result)
}

// outputYAML honours json.Marshaler so types with a custom JSON shape
// render the same way in both formats.
func outputYAML(w io.Writer, result any) error {
	data, err := yaml.MarshalWithOptions(result, yaml.UseJSONMarshaler())
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// PrintSuccess prints a success message with checkmark
func PrintSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "✓ "+format+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "⚠ "+format+"\n", args...)
}
