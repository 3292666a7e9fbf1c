package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
)

// created is printed by commands that create a node or edge.
type created struct {
	ID string `json:"id" yaml:"id"`
}

var promptCmd = &cobra.Command{
	Use:   "prompt <session-id> <text>",
	Short: "Append a prompt to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := lineage.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		pairs, _ := cmd.Flags().GetStringArray("meta")
		md, err := parseMeta(pairs)
		if err != nil {
			return err
		}
		var opts []engine.PromptOption
		if model, _ := cmd.Flags().GetString("model"); model != "" {
			opts = append(opts, engine.WithModel(model))
		}
		if tmpl, _ := cmd.Flags().GetString("template"); tmpl != "" {
			id, err := lineage.ParseTemplateID(tmpl)
			if err != nil {
				return err
			}
			opts = append(opts, engine.WithTemplate(id))
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			id, err := e.AddPrompt(ctx, session, args[1], md, opts...)
			if err != nil {
				return err
			}
			return printResult(cmd, created{ID: id.String()})
		})
	},
}

var responseCmd = &cobra.Command{
	Use:   "response <prompt-id> <text>",
	Short: "Record a response to a prompt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := lineage.ParseNodeID(args[0])
		if err != nil {
			return err
		}
		pairs, _ := cmd.Flags().GetStringArray("meta")
		md, err := parseMeta(pairs)
		if err != nil {
			return err
		}
		var usage lineage.TokenUsage
		usage.PromptTokens, _ = cmd.Flags().GetInt64("prompt-tokens")
		usage.CompletionTokens, _ = cmd.Flags().GetInt64("completion-tokens")
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			id, err := e.AddResponse(ctx, prompt, args[1], usage, md)
			if err != nil {
				return err
			}
			return printResult(cmd, created{ID: id.String()})
		})
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge <from-id> <to-id> <kind>",
	Short: "Add a custom edge between two nodes",
	Long: `Add a custom edge between two nodes.

The kind is a caller-defined name, stored as "x:<name>". It never
collides with the built-in follows, responds_to and handled_by kinds,
which the engine maintains.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := lineage.ParseNodeID(args[0])
		if err != nil {
			return err
		}
		to, err := lineage.ParseNodeID(args[1])
		if err != nil {
			return err
		}
		kind := lineage.Custom(strings.TrimPrefix(args[2], "x:"))
		if err := kind.Validate(); err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			id, err := e.AddCustomEdge(ctx, from, to, kind)
			if err != nil {
				return err
			}
			return printResult(cmd, created{ID: id.String()})
		})
	},
}

func init() {
	promptCmd.Flags().StringArray("meta", nil, "metadata as key=value (repeatable)")
	promptCmd.Flags().String("model", "", "model the prompt was sent to")
	promptCmd.Flags().String("template", "", "template id the prompt was rendered from")

	responseCmd.Flags().StringArray("meta", nil, "metadata as key=value (repeatable)")
	responseCmd.Flags().Int64("prompt-tokens", 0, "prompt token count")
	responseCmd.Flags().Int64("completion-tokens", 0, "completion token count")

	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(responseCmd)
	rootCmd.AddCommand(edgeCmd)
}
