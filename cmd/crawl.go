package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/orchestrator"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl and prints its report.
func newCrawlCmd() *cobra.Command {
	var (
		mode    string
		value   string
		pages   int
		details int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl one case number or one CNPJ",
		Long: `Looks up a single case by number, or submits a CNPJ search and walks
the result pages within the page and detail budgets. Every fetched page is
archived; every detail page is projected into a case record.`,
		Example: `  trf5-crawler crawl --mode number --value 0015648-78.1999.4.05.0000
  trf5-crawler crawl --mode cnpj --value 00.000.000/0001-91 --max-pages 3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			searchMode, err := parseSearchMode(mode)
			if err != nil {
				return err
			}

			report, runErr := appInstance.Crawler().Run(cmd.Context(), orchestrator.Request{
				Mode:              searchMode,
				Value:             value,
				MaxPages:          pages,
				MaxDetailsPerPage: details,
			})
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("crawl: %w", runErr)
			}
			if report.State == orchestrator.StateFailed {
				return fmt.Errorf("crawl finished in state %s", report.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "search mode: number or cnpj")
	cmd.Flags().StringVar(&value, "value", "", "case number or CNPJ, formatted or digits only")
	cmd.Flags().IntVar(&pages, "max-pages", 0, "list pages to visit in cnpj mode (0 uses crawl.max_pages)")
	cmd.Flags().IntVar(&details, "max-details-per-page", 0, "detail pages per list page (0 uses crawl.max_details_per_page)")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func parseSearchMode(raw string) (crawler.SearchMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "number", "numero":
		return crawler.SearchByNumber, nil
	case "cnpj":
		return crawler.SearchByTaxID, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want number or cnpj)", raw)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
