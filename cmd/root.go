// Package cmd defines and implements the CLI commands for the trf5-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/app"
	"github.com/JakeFAU/trf5-crawler/internal/config"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/logging"
	"github.com/JakeFAU/trf5-crawler/internal/orchestrator"
	"github.com/JakeFAU/trf5-crawler/internal/reprocess"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Crawler runs one crawl.
type Crawler interface {
	Run(ctx context.Context, req orchestrator.Request) (orchestrator.Report, error)
}

// Replayer runs one offline reprocessing pass.
type Replayer interface {
	Run(ctx context.Context, opts reprocess.Options) (reprocess.Report, error)
}

// App defines the application interface that commands use.
// This allows tests to inject a fake app.
type App interface {
	Close() error
	Config() config.Config
	Logger() *zap.Logger
	Crawler() Crawler
	Replayer() Replayer
	Records() crawler.RecordStore
	Archive() crawler.ArchiveStore
	Ready(ctx context.Context) error
}

// appFactory builds the App once config and logger are loaded.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

// containerApp adapts *app.App to App.
type containerApp struct {
	*app.App
}

func (c containerApp) Crawler() Crawler { return c.Orchestrator() }
func (c containerApp) Replayer() Replayer { return c.Reprocessor() }

func newContainerApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return containerApp{App: a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "trf5-crawler",
		Short: "Harvests case records from the TRF5 public records portal.",
		Long: `trf5-crawler looks up judicial cases on the TRF5 portal by case number
or discovers them through a CNPJ search, archives every fetched page and
projects detail pages into case records. Archived pages can be replayed
offline with the reprocess command.`,
		SilenceUsage: true,

		// Build and inject the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Shut services down and flush the logger.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			if err := appInstance.Close(); err != nil {
				appInstance.Logger().Warn("error closing application services", zap.Error(err))
			}
			_ = appInstance.Logger().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newReprocessCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newContainerApp).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
