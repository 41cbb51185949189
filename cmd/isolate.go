package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/playbook-crawler/internal/app"
	"github.com/JakeFAU/playbook-crawler/internal/isolation"
)

// newIsolateCmd is the child side of the isolated Power Lane. The parent
// speaks newline-delimited JSON over stdin/stdout, so nothing else may write
// to stdout here.
func newIsolateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "isolate",
		Short:       "Runs browser tasks for a parent process",
		Hidden:      true,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			reg, shutdown, err := app.WorkerRegistry(cfg, logger.Named("worker"))
			if err != nil {
				return err
			}
			defer shutdown()

			if err := isolation.Serve(cmd.Context(), os.Stdin, os.Stdout, reg); err != nil {
				return fmt.Errorf("serve tasks: %w", err)
			}
			return nil
		},
	}
}
