package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "crawl <playbook.json>",
		Short: "Runs a playbook crawl to completion",
		Long: `Runs the crawl described by a playbook file. Progress is checkpointed to the
state file so an interrupted run resumes where it stopped; pass --fresh to
ignore saved state. SIGINT or SIGTERM stops the crawl gracefully and saves a
final checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], fresh)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore saved crawl state and start over")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, path string, fresh bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := appInstance.RunCrawl(ctx, path, fresh)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		appInstance.Logger().Error("Crawl failed", zap.String("playbook", path), zap.Error(runErr))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run crawl: %w", runErr)
	}
	return nil
}
