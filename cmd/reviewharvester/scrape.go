package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/review-harvester/internal/scraper"
	"github.com/JakeFAU/review-harvester/internal/server"
)

const pollInterval = 250 * time.Millisecond

type scrapeOptions struct {
	productID string
	domain    string
	strategy  string
	timeout   time.Duration
}

func newScrapeCmd() *cobra.Command {
	opts := scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scrape job in-process and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScrape(ctx, cmd, app, opts)
		},
	}
	cmd.Flags().StringVar(&opts.productID, "product", "", "marketplace product identifier (required)")
	cmd.Flags().StringVar(&opts.domain, "domain", scraper.DefaultDomain, "marketplace domain suffix")
	cmd.Flags().StringVar(&opts.strategy, "strategy", string(scraper.StrategyFree), "acquisition strategy: free or proxy")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "how long to wait for the job to finish")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func runScrape(ctx context.Context, cmd *cobra.Command, app *server.App, opts scrapeOptions) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.RunWorkers(workerCtx)
	}()
	defer func() {
		cancelWorkers()
		wg.Wait()
	}()

	sub, err := app.Dispatcher().Submit(ctx, scraper.SubmitRequest{
		ProductID: opts.productID,
		Domain:    opts.domain,
		Strategy:  scraper.Strategy(opts.strategy),
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	job, err := awaitJob(waitCtx, app.Jobs(), sub.Job)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	renderJob(out, job, sub.Reused)
	if job.Progress.RecordsIngested > 0 || sub.Reused {
		stats, err := app.Reviews().QueryStats(ctx, job.ProductID, job.Domain)
		switch {
		case errors.Is(err, scraper.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load stats: %w", err)
		default:
			renderStats(out, stats)
		}
	}
	if job.State == scraper.JobStateFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorDetail)
	}
	return nil
}

func awaitJob(ctx context.Context, jobs scraper.JobStore, job scraper.Job) (scraper.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !job.State.Terminal() {
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for job %s: %w", job.ID, ctx.Err())
		case <-ticker.C:
		}
		latest, err := jobs.GetJob(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("poll job %s: %w", job.ID, err)
		}
		job = latest
	}
	return job, nil
}
