package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/aristath/equity-aggregator/internal/clients/exchangerate"
	"github.com/aristath/equity-aggregator/internal/clients/openfigi"
	"github.com/aristath/equity-aggregator/internal/clients/yahoo"
	"github.com/aristath/equity-aggregator/internal/feeds"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/pipeline"
	"github.com/aristath/equity-aggregator/internal/store"
)

func newSeedCmd(a *app) *cobra.Command {
	var schedule string
	var isolateFeeds bool
	var minFuzzyScore int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Run the full aggregation pipeline and upsert canonical equities",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateForSeed(); err != nil {
				return err
			}

			dataStore, err := store.New(a.cfg.StorePath(), a.cfg.CacheTTL, a.log)
			if err != nil {
				return err
			}
			defer dataStore.Close()

			runner, cleanup := buildRunner(a, dataStore, isolateFeeds, minFuzzyScore)
			defer cleanup()

			run := func(ctx context.Context) error {
				saved, err := runner.Run(ctx)
				if err != nil {
					return err
				}
				a.log.Info().Int("canonical", saved).Msg("Seed complete")
				return nil
			}

			if schedule == "" {
				return run(cmd.Context())
			}
			return runScheduled(cmd.Context(), a, schedule, run)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for periodic seeding (runs once immediately, then on schedule)")
	cmd.Flags().BoolVar(&isolateFeeds, "isolate-feeds", false, "continue the run when a source feed fails")
	cmd.Flags().IntVar(&minFuzzyScore, "min-fuzzy-score", yahoo.DefaultMinFuzzyScore, "minimum combined similarity for fuzzy enrichment matches")
	return cmd
}

// buildRunner wires the feeds, vendor clients, and store into a pipeline
// runner. The returned cleanup releases vendor sessions.
func buildRunner(a *app, dataStore *store.Store, isolateFeeds bool, minFuzzyScore int) (*pipeline.Runner, func()) {
	feedClient := httpclient.New(httpclient.Config{})

	policy := feeds.FailFast
	if isolateFeeds {
		policy = feeds.IsolateFailures
	}
	sources := []*feeds.Source{
		feeds.NewSource(feeds.NewEuronext(feedClient, a.log), dataStore, a.log),
		feeds.NewSource(feeds.NewLSE(feedClient, a.log), dataStore, a.log),
		feeds.NewSource(feeds.NewXetra(feedClient, a.log), dataStore, a.log),
	}

	session := yahoo.NewSession(a.log)

	runner := &pipeline.Runner{
		Collector: feeds.NewCollector(sources, policy, a.log),
		Rates: exchangerate.NewClient(
			a.cfg.ExchangeRateAPIKey, httpclient.New(httpclient.Config{}), dataStore, a.log),
		Resolver: openfigi.NewResolver(
			a.cfg.OpenFIGIAPIKey, httpclient.New(httpclient.Config{}), dataStore, a.log),
		Enricher: yahoo.NewClient(session, dataStore, minFuzzyScore, a.log),
		Store:    dataStore,
		Log:      a.log,
	}

	cleanup := func() {
		session.Close()
		feedClient.CloseIdleConnections()
	}
	return runner, cleanup
}

// runScheduled runs once immediately, then on the cron schedule until
// interrupted.
func runScheduled(ctx context.Context, a *app, schedule string, run func(context.Context) error) error {
	if err := run(ctx); err != nil {
		return err
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		if err := run(ctx); err != nil {
			a.log.Error().Err(err).Msg("Scheduled seed failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	scheduler.Start()
	defer scheduler.Stop()
	a.log.Info().Str("schedule", schedule).Msg("Periodic seeding started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	a.log.Info().Msg("Periodic seeding stopped")
	return nil
}
