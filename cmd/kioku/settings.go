package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/store"
)

func settingsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change runtime-tunable settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, flags, func(st settings.Store) error {
				v, err := st.Get(cmd.Context(), args[0])
				if errors.Is(err, settings.ErrNotFound) {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, flags, func(st settings.Store) error {
				return st.Set(cmd.Context(), args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a setting so the configuration file applies again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, flags, func(st settings.Store) error {
				return st.Delete(cmd.Context(), args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, flags, func(st settings.Store) error {
				all, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				if flags.jsonOut {
					return printJSON(cmd, all)
				}
				for _, k := range slices.Sorted(maps.Keys(all)) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, all[k])
				}
				return nil
			})
		},
	})
	return cmd
}

// withSettings opens only the store: settings do not need the index.
func withSettings(cmd *cobra.Command, flags *globalFlags, fn func(settings.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	s, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(settings.New(s.DB()))
}

func configCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			m, err := cfg.Redacted()
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}
}
