// Package cmd defines and implements the CLI commands for the
// placemerge executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/placemerge/placemerge/internal/app"
	"github.com/placemerge/placemerge/internal/config"
)

var cfgFile string

// newApp is the application factory. It is a variable so tests can
// replace it with a mock factory.
var newApp = func(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize application services: %w", err)
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "placemerge",
		Short: "A multi-source business directory aggregation engine.",
		Long: `placemerge ingests business listings from registries, directories,
and review sites, deduplicates them into canonical entities, and serves
the merged directory over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
