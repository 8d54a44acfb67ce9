package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/equity-aggregator/internal/clients/exchangerate"
	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/feeds"
	"github.com/aristath/equity-aggregator/internal/store"
)

// RateSource loads the USD-base rate table for a run.
type RateSource interface {
	Rates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Runner threads the stages together over one collector, resolver, and
// enricher, and persists the canonical output.
type Runner struct {
	Collector *feeds.Collector
	Rates     RateSource
	Resolver  Identifier
	Enricher  Enricher
	Store     *store.Store

	// EnrichConcurrency caps concurrent enrichment lookups; zero applies
	// the default.
	EnrichConcurrency int

	Log zerolog.Logger
}

// Run executes one full aggregation pass and upserts the canonical records.
// Returns the number of canonical equities saved. Any fatal stage error
// aborts the run without touching the canonical table.
func (r *Runner) Run(ctx context.Context) (int, error) {
	runID := uuid.NewString()
	log := r.Log.With().Str("component", "pipeline").Str("run_id", runID).Logger()
	log.Info().Msg("Starting aggregation run")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rates, err := r.Rates.Rates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load rate table: %w", err)
	}
	converter := exchangerate.NewConverter(rates)

	// First fatal stage error wins and cancels the rest of the run.
	var monitors sync.WaitGroup
	errs := make(chan error, 8)
	fatal := func(errc <-chan error) {
		monitors.Add(1)
		go func() {
			defer monitors.Done()
			if err := <-errc; err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	records := make(chan domain.FeedRecord, channelCapacity)
	collectErrc := make(chan error, 1)
	go func() {
		collectErrc <- r.Collector.Collect(ctx, records)
	}()
	fatal(collectErrc)

	parsed := Parse(ctx, records, log)
	converted, convertErrc := Convert(ctx, parsed, converter, log)
	fatal(convertErrc)
	identified, identifyErrc := Identify(ctx, converted, r.Resolver, log)
	fatal(identifyErrc)
	deduplicated, dedupErrc := Deduplicate(ctx, identified, log)
	fatal(dedupErrc)
	enriched := Enrich(ctx, deduplicated, r.Enricher, converter, r.EnrichConcurrency, log)
	canonical := Canonicalize(ctx, enriched, log)

	var equities []domain.CanonicalEquity
	for equity := range canonical {
		equities = append(equities, equity)
	}

	monitors.Wait()
	select {
	case err := <-errs:
		return 0, fmt.Errorf("aggregation run aborted: %w", err)
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := r.Store.SaveCanonicalEquities(equities); err != nil {
		return 0, fmt.Errorf("failed to save canonical equities: %w", err)
	}

	log.Info().Int("canonical", len(equities)).Msg("Aggregation run complete")
	return len(equities), nil
}
