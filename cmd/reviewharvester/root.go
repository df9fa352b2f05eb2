package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/logging"
	"github.com/JakeFAU/review-harvester/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

type options struct {
	configFile string
	envFiles   []string
}

// newApp builds the application graph. Tests swap it to inject config overrides.
var newApp = func(ctx context.Context, opts options) (*server.App, error) {
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "reviewharvester",
		Short: "Scrape, store and serve marketplace product reviews.",
		Long: `reviewharvester runs product review scrape jobs against a marketplace,
stores the reviews idempotently with aggregate rating statistics, and serves
them over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*server.App); ok && app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	cmd.AddCommand(newServeCmd(), newScrapeCmd())
	cmd.SetContext(context.Background())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}
