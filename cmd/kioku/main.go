package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

type globalFlags struct {
	configPath string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "kioku",
		Short:         "Persistent world memory for interactive fiction",
		SilenceUsage: true,
	}
	root.Version = version.Info()
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "kioku.yaml", "Path to the configuration file")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(mcpCmd(flags))
	root.AddCommand(seedCmd(flags))
	root.AddCommand(rebuildCmd(flags))
	root.AddCommand(reindexCmd(flags))
	root.AddCommand(summaryCmd(flags))
	root.AddCommand(historyCmd(flags))
	root.AddCommand(eventsCmd(flags))
	root.AddCommand(searchCmd(flags))
	root.AddCommand(similarCmd(flags))
	root.AddCommand(patternsCmd(flags))
	root.AddCommand(contextCmd(flags))
	root.AddCommand(settingsCmd(flags))
	root.AddCommand(configCmd(flags))
	root.AddCommand(versionCmd())
	return root
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// openApp loads the configuration and builds the app. The caller must Close
// it.
func openApp(ctx context.Context, flags *globalFlags) (*app.App, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, nil)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
