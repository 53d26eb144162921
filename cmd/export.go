package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newExportCmd creates the 'export' subcommand: write the current
// directory to a JSON snapshot.
func newExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the merged directory to a JSON snapshot file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.Exporter().WriteFile(cmd.Context(), out)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			a.Logger().Info("export complete",
				zap.String("path", out),
				zap.Int("entities", snap.Count),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "placemerge-export.json", "output file path")
	return cmd
}
