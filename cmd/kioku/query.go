package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func summaryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count locations, objects and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Store.Summary(ctx)
			if err != nil {
				return err
			}
			stats := a.Index.Stats(ctx)
			if flags.jsonOut {
				return printJSON(cmd, map[string]any{"world": sum, "index": stats})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Locations: %d\nObjects:   %d\nEvents:    %d\n", sum.Locations, sum.Objects, sum.Events)
			if !sum.FirstEventAt.IsZero() {
				fmt.Fprintf(out, "First:     %s\nLast:      %s\n",
					sum.FirstEventAt.Format(time.RFC3339), sum.LastEventAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Index:     %s\n", stats.Status)
			if stats.LastError != "" {
				fmt.Fprintf(out, "           %s\n", stats.LastError)
			}
			return nil
		},
	}
}

func historyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <object-id>",
		Short: "Show every event that targeted an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Store.GetObject(ctx, args[0]); err != nil {
				return err
			}
			events, err := a.Store.History(ctx, args[0])
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
}

func eventsCmd(flags *globalFlags) *cobra.Command {
	var actor, location, grep string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var events []world.Event
			switch {
			case grep != "":
				events, err = a.Store.SearchEvents(ctx, grep, limit)
			case actor != "":
				events, err = a.Store.EventsByActor(ctx, actor, limit)
			default:
				events, err = a.Store.RecentEvents(ctx, location, limit)
			}
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Only events by this actor")
	cmd.Flags().StringVar(&location, "location", "", "Only events at this location")
	cmd.Flags().StringVar(&grep, "grep", "", "Only events whose action or context contains this text")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events")
	return cmd
}

func printEvents(out io.Writer, events []world.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return
	}
	for _, e := range events {
		fmt.Fprintf(out, "#%d %s %-16s %-8s %s\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Actor, e.Action)
	}
}

func searchCmd(flags *globalFlags) *cobra.Command {
	var category string
	var limit int
	var floor float64
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search the semantic index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := semantic.ParseCategory(category)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []semantic.SearchOption
			if floor > 0 {
				opts = append(opts, semantic.WithFloor(floor))
			}
			results, err := a.Index.Search(ctx, cat, args[0], limit, opts...)
			if err != nil {
				return err
			}
			return printResults(cmd, flags, results)
		},
	}
	cmd.Flags().StringVar(&category, "category", "objects", "objects, locations or events")
	cmd.Flags().IntVarP(&limit, "limit", "n", semantic.DefaultSearchLimit, "Maximum number of results")
	cmd.Flags().Float64Var(&floor, "min-score", 0, "Drop results scoring below this")
	return cmd
}

func similarCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <object-id>",
		Short: "Find objects similar to an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.Index.FindSimilarTo(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printResults(cmd, flags, results)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", semantic.DefaultSearchLimit, "Maximum number of results")
	return cmd
}

func printResults(cmd *cobra.Command, flags *globalFlags, results []semantic.Result) error {
	if flags.jsonOut {
		return printJSON(cmd, results)
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No matches found.")
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(out, "%.3f  %s  %s\n", r.Score, r.EntityID, r.Text)
	}
	return nil
}

func patternsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "patterns <location-id>",
		Short: "Report similar object pairs seen at a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Index.AnalyzePatterns(ctx, args[0])
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (threshold %.2f)\n", report.Summary, report.Threshold)
			for _, p := range report.Patterns {
				fmt.Fprintf(out, "  %.3f  %s ~ %s\n", p.Similarity, p.A.Name, p.B.Name)
			}
			return nil
		},
	}
}

func contextCmd(flags *globalFlags) *cobra.Command {
	var req assembler.Request
	cmd := &cobra.Command{
		Use:   "context <location-id>",
		Short: "Print the narrator context for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			req.LocationID = args[0]
			if req.RecentLimit == 0 {
				req.RecentLimit = a.Config.Context.RecentLimit
			}
			b, err := a.Assembler.Assemble(ctx, req)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, b)
			}
			fmt.Fprint(cmd.OutOrStdout(), assembler.Render(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Actor, "actor", world.ActorPlayer, "Actor whose inventory is included")
	cmd.Flags().StringVarP(&req.Query, "query", "q", "", "What the turn is about")
	cmd.Flags().IntVarP(&req.RecentLimit, "recent", "n", 0, "Number of recent events")
	return cmd
}
