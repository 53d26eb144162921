package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newImportCmd creates the 'import' subcommand: a one-shot batch load
// of every configured source, without the scheduler or API.
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Ingest all configured sources once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Import(cmd.Context()); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			return nil
		},
	}
}
