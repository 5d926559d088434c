package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/semantic"
)

func rebuildCmd(flags *globalFlags) *cobra.Command {
	var verifyOnly bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the event log into fresh current-state tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if !verifyOnly {
				report, err := a.Store.Rebuild(ctx)
				if err != nil {
					return err
				}
				if !flags.jsonOut {
					fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events into %d locations and %d objects in %s\n",
						report.Events, report.Locations, report.Objects, report.Duration)
				}
			}

			problems, err := a.Store.Verify(ctx)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, problems)
			}
			if len(problems) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Projection matches the event log.")
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", p.ObjectID, p.Problem)
			}
			return fmt.Errorf("%d inconsistencies found", len(problems))
		},
	}
	cmd.Flags().BoolVar(&verifyOnly, "verify", false, "Only check the projection against the log")
	return cmd
}

func reindexCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the semantic index from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Index.InitializeFromStore(ctx); err != nil {
				return err
			}
			stats := a.Index.Stats(ctx)
			if flags.jsonOut {
				return printJSON(cmd, stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Index %s\n", stats.Status)
			for _, cat := range semantic.Categories {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", cat, stats.Categories[cat].Count)
			}
			return nil
		},
	}
}
