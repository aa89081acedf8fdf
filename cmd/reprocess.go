package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/reprocess"
)

// newReprocessCmd creates the 'reprocess' subcommand. It never fetches.
func newReprocessCmd() *cobra.Command {
	var (
		opts       reprocess.Options
		pageKind   string
		searchMode string
	)
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Rebuild case records from archived pages",
		Long: `Replays a window of the raw page archive, newest first, through the
same extraction used by crawl and upserts the resulting records. No
network request is made.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Kind, err = parsePageKind(pageKind); err != nil {
				return err
			}
			if searchMode != "" {
				if opts.Search, err = parseSearchMode(searchMode); err != nil {
					return err
				}
			}
			report, runErr := appInstance.Replayer().Run(cmd.Context(), opts)
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("reprocess: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", reprocess.DefaultLimit, "archived pages to replay")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "archived pages to skip, newest first")
	cmd.Flags().StringVar(&pageKind, "page-kind", "", "only pages of this kind: detalhe, lista, form or erro")
	cmd.Flags().StringVar(&searchMode, "search-mode", "", "only pages reached by this search: number or cnpj")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "project records without writing them")
	return cmd
}

func parsePageKind(raw string) (crawler.PageKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "detalhe", "detail":
		return crawler.PageKindDetail, nil
	case "lista", "list":
		return crawler.PageKindList, nil
	case "form":
		return crawler.PageKindForm, nil
	case "erro", "error":
		return crawler.PageKindError, nil
	default:
		return "", fmt.Errorf("unknown page kind %q", raw)
	}
}
