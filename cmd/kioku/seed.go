package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/seed"
)

func seedCmd(flags *globalFlags) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create a starting world from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			if validateOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d locations, %d objects, %d events\n",
					args[0], len(w.Locations), len(w.Objects), len(w.Events))
				return nil
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := seed.Apply(ctx, a.Store, w)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d locations, %d objects, %d events\n",
				len(res.Locations), len(res.Objects), res.Events)
			for _, key := range slices.Sorted(maps.Keys(res.Locations)) {
				fmt.Fprintf(cmd.OutOrStdout(), "  location %s = %s\n", key, res.Locations[key])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "Only validate the file")
	return cmd
}
