package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, inspect and list sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("meta")
		md, err := parseMeta(pairs)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			s, err := e.CreateSession(ctx, md)
			if err != nil {
				return err
			}
			return printResult(cmd, s)
		})
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			s, err := e.GetSession(ctx, id)
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("%w: session %s", lineage.ErrNotFound, id)
			}
			return printResult(cmd, s)
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			list := sessionList{}
			for s, err := range e.Sessions(ctx) {
				if err != nil {
					return err
				}
				list = append(list, s)
			}
			return printResult(cmd, list)
		})
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show the tracked aggregates of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lineage.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			stats, err := e.Stats(ctx, id)
			if err != nil {
				return err
			}
			return printResult(cmd, stats)
		})
	},
}

func init() {
	sessionCreateCmd.Flags().StringArray("meta", nil, "metadata as key=value (repeatable)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
	rootCmd.AddCommand(sessionCmd)
}
