package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/pkg/cli"
	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
)

// errVerifyFailed is returned by verify after the report was printed.
var errVerifyFailed = errors.New("verification found discrepancies")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the stored graph against its invariants",
	Long: `Check the stored graph against its invariants.

Prints a report and exits non-zero if any discrepancy was found. Index
discrepancies can be fixed with "lineage repair".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			r, err := e.Verify(ctx)
			if err != nil {
				return err
			}
			if err := printResult(cmd, report{r}); err != nil {
				return err
			}
			if !r.OK() {
				return errVerifyFailed
			}
			return nil
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild all derived indexes from nodes and edges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			r, err := e.Repair(ctx)
			if err != nil {
				return err
			}
			if err := printResult(cmd, report{r}); err != nil {
				return err
			}
			if !r.OK() {
				cli.PrintWarning(cmd.ErrOrStderr(), "%d discrepancy(ies) remain after repair", len(r.Discrepancies))
			}
			return nil
		})
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim space in the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			if err := e.Compact(ctx); err != nil {
				return err
			}
			cli.PrintSuccess(cmd.ErrOrStderr(), "compacted %s", e.Config().Path)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Write a session with its nodes and edges as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var w io.Writer = cmd.OutOrStdout()
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("create %s: %w", file, err)
				}
				defer f.Close()
				w = f
			}
			return e.Export(ctx, id, w)
		})
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Store a batch of interactions",
	Long: `Store a batch of interactions.

The file holds a list of interactions, each a prompt with its responses.
Files ending in .jsonl hold one interaction per line; anything else is
read as a YAML or JSON list.

Example interaction:
  {"prompt": {"session_id": "<id>", "text": "hi", "model_id": "m"},
   "responses": [{"text": "hello", "token_usage": {"completion_tokens": 1}}]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := readInteractions(args[0])
		if err != nil {
			return err
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			results, err := e.IngestBatch(ctx, batch, concurrency)
			if err != nil {
				return err
			}
			return printResult(cmd, results)
		})
	},
}

func readInteractions(path string) ([]lineage.Interaction, error) {
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		var batch []lineage.Interaction
		if err := cli.LoadFile(path, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var batch []lineage.Interaction
	for it, err := range cli.JSONLines[lineage.Interaction](f) {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		batch = append(batch, it)
	}
	return batch, nil
}

func init() {
	exportCmd.Flags().StringP("file", "f", "", "write to file instead of stdout")
	ingestCmd.Flags().Int("concurrency", 4, "sessions ingested in parallel (0 for unbounded)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(ingestCmd)
}
