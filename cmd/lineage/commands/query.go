package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
	"github.com/haivivi/lineage/pkg/lineage/query"
)

var threadCmd = &cobra.Command{
	Use:   "thread <session-id>",
	Short: "Print a session's conversation in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			nodes, err := query.ConversationThread(ctx, e, id)
			if err != nil {
				return err
			}
			return printResult(cmd, nodeList(nodes))
		})
	},
}

var responsesCmd = &cobra.Command{
	Use:   "responses <prompt-id>",
	Short: "Print the responses to a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseNodeID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			nodes, err := query.FindResponses(ctx, e, id)
			if err != nil {
				return err
			}
			return printResult(cmd, nodeList(nodes))
		})
	},
}

var ancestorsCmd = &cobra.Command{
	Use:   "ancestors <node-id>",
	Short: "Print the nodes preceding a node in its session, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseNodeID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			nodes, err := query.Ancestors(ctx, e, id)
			if err != nil {
				return err
			}
			return printResult(cmd, nodeList(nodes))
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Filter nodes by session, kind, time, template and metadata",
	Long: `Filter nodes by session, kind, time, template and metadata.

All given filters must match. Times are RFC 3339; the range is half-open,
--since inclusive and --until exclusive.

Examples:
  lineage query --kind prompt --limit 10
  lineage query --session <id> --where user=alice -o table
  lineage query --since 2026-01-01T00:00:00Z --kind response`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := buildQuery(cmd)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			nodes, err := b.Collect(ctx, e)
			if err != nil {
				return err
			}
			return printResult(cmd, nodeList(nodes))
		})
	},
}

func buildQuery(cmd *cobra.Command) (*query.Builder, error) {
	f := cmd.Flags()
	b := query.New()

	if s, _ := f.GetString("session"); s != "" {
		id, err := lineage.ParseSessionID(s)
		if err != nil {
			return nil, err
		}
		b.Session(id)
	}
	kinds, _ := f.GetStringSlice("kind")
	for _, k := range kinds {
		kind, err := lineage.ParseNodeKind(k)
		if err != nil {
			return nil, err
		}
		b.Kind(kind)
	}
	for _, name := range []string{"since", "until"} {
		s, _ := f.GetString(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("%w: --%s: %v", lineage.ErrInvalidArgument, name, err)
		}
		if name == "since" {
			b.Since(t)
		} else {
			b.Until(t)
		}
	}
	if s, _ := f.GetString("template"); s != "" {
		id, err := lineage.ParseTemplateID(s)
		if err != nil {
			return nil, err
		}
		b.Template(id)
	}
	pairs, _ := f.GetStringArray("where")
	where, err := parseMeta(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range where {
		b.Where(k, v)
	}
	if n, _ := f.GetInt("limit"); n > 0 {
		b.Limit(n)
	}
	if n, _ := f.GetInt("offset"); n > 0 {
		b.Offset(n)
	}
	return b, b.Validate()
}

var walkCmd = &cobra.Command{
	Use:   "walk <node-id>",
	Short: "Traverse the graph from a node",
	Long: `Traverse the graph from a node.

Examples:
  # Everything reachable along outgoing edges
  lineage walk <node-id>

  # The members of a session
  lineage walk <session-id> --kind handled_by --direction backward --depth 1

  # Depth-first along follows edges only
  lineage walk <node-id> --kind follows --dfs -o table`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := lineage.ParseNodeID(args[0])
		if err != nil {
			return err
		}
		opts, err := walkOptions(cmd)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			steps, err := query.Walk(ctx, e, start, opts)
			if err != nil {
				return err
			}
			return printResult(cmd, stepList(steps))
		})
	},
}

func walkOptions(cmd *cobra.Command) (query.WalkOptions, error) {
	f := cmd.Flags()
	opts := query.WalkOptions{}

	kinds, _ := f.GetStringSlice("kind")
	for _, k := range kinds {
		kind, err := lineage.ParseEdgeKind(k)
		if err != nil {
			return opts, err
		}
		opts.Kinds = append(opts.Kinds, kind)
	}
	dir, _ := f.GetString("direction")
	var err error
	if opts.Direction, err = query.ParseDirection(dir); err != nil {
		return opts, err
	}
	opts.MaxDepth, _ = f.GetInt("depth")
	if dfs, _ := f.GetBool("dfs"); dfs {
		opts.Order = query.DepthFirst
	}
	return opts, nil
}

func init() {
	qf := queryCmd.Flags()
	qf.String("session", "", "session id")
	qf.StringSlice("kind", nil, "node kinds: prompt, response, session")
	qf.String("since", "", "earliest creation time, inclusive (RFC 3339)")
	qf.String("until", "", "latest creation time, exclusive (RFC 3339)")
	qf.String("template", "", "template id of prompts")
	qf.StringArray("where", nil, "metadata equality as key=value (repeatable)")
	qf.Int("limit", 0, "maximum number of results (0 for all)")
	qf.Int("offset", 0, "number of matches to skip")

	wf := walkCmd.Flags()
	wf.StringSlice("kind", nil, "edge kinds to follow (default all)")
	wf.String("direction", query.Forward.String(), "forward, backward or both")
	wf.Int("depth", query.Unlimited, "maximum hops from the start node (-1 for no bound)")
	wf.Bool("dfs", false, "visit depth-first instead of breadth-first")

	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(responsesCmd)
	rootCmd.AddCommand(ancestorsCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(walkCmd)
}
