package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

func newScrapeCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Fetches one page and prints its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			content, err := appInstance.Toolkit().ScrapeURL(cmd.Context(), args[0], format)
			if err != nil {
				return fmt.Errorf("scrape %s: %w", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), content)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", toolkit.FormatMarkdown,
		"output format: "+strings.Join([]string{toolkit.FormatMarkdown, toolkit.FormatText, toolkit.FormatHTML}, ", "))
	return cmd
}

func newSitemapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sitemap <url>",
		Short: "Lists the URLs a site advertises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			urls, err := appInstance.Toolkit().Sitemap(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("sitemap %s: %w", args[0], err)
			}
			for _, u := range urls {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), u); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Searches the web and prints the top results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			results, err := appInstance.Toolkit().SearchWeb(cmd.Context(), query, limit)
			if err != nil {
				return fmt.Errorf("search %q: %w", query, err)
			}
			for _, r := range results {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.URL, r.Title); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "max-results", toolkit.DefaultSearchResults, "how many results to print")
	return cmd
}
