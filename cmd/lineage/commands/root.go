package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/pkg/cli"
	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
)

var (
	// Global flags
	verbose      bool
	dataDir      string
	configFile   string
	formatOutput string
)

var rootCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Inspect and maintain an LLM lineage graph",
	Long: `lineage - a command line interface for the embedded lineage graph.

The graph records sessions, prompts and responses and the edges between
them, stored locally in a badger database.

Data lives in ~/.lineage/lineage/data unless --data or the config file
names another directory. The config file defaults to
~/.lineage/lineage/config.yaml.

Examples:
  # Start a session and record an exchange
  lineage session create --meta user=alice
  lineage prompt <session-id> "What is Rust?"
  lineage response <prompt-id> "A systems language..." --completion-tokens 20

  # Read it back
  lineage thread <session-id> -o table
  lineage query --kind prompt --limit 10

  # Maintenance
  lineage verify
  lineage repair`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&formatOutput, "output", "o", "yaml", "output format: yaml, json, table")
}

// loadConfig resolves the engine configuration from --config (or the
// default config file) and --data.
func loadConfig() (lineage.Config, error) {
	paths, err := cli.NewPaths("lineage")
	if err != nil {
		return lineage.Config{}, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg := lineage.Config{}
	switch {
	case configFile != "":
		if cfg, err = lineage.LoadConfig(configFile); err != nil {
			return lineage.Config{}, err
		}
	case paths.HasConfigFile():
		if cfg, err = lineage.LoadConfig(paths.ConfigFile()); err != nil {
			return lineage.Config{}, err
		}
	}

	if dataDir != "" {
		cfg.Path = dataDir
	}
	if cfg.Path == "" && !cfg.InMemory {
		if err := paths.EnsureDataDir(); err != nil {
			return lineage.Config{}, fmt.Errorf("create data directory: %w", err)
		}
		cfg.Path = paths.DataDir()
	}
	return cfg, nil
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEngine opens the engine for one command invocation. The caller
// closes it.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e, err := engine.Open(cmd.Context(), cfg, engine.WithLogger(newLogger(cmd.ErrOrStderr())))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	return e, nil
}

// withEngine runs fn against an open engine and closes it afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cmd.Context(), e)
}

// printResult writes result in the --output format.
func printResult(cmd *cobra.Command, result any) error {
	format, err := cli.ParseOutputFormat(formatOutput)
	if err != nil {
		return err
	}
	return cli.Output(result, cli.OutputOptions{Format: format, Writer: cmd.OutOrStdout()})
}

// parseMeta turns repeated key=value flags into metadata.
func parseMeta(pairs []string) (lineage.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(lineage.Metadata, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: metadata %q must be key=value", lineage.ErrInvalidArgument, p)
		}
		md[k] = v
	}
	return md, nil
}
