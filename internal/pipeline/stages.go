// Package pipeline composes the aggregation run: streaming stages over
// bounded channels (parse, convert, identify, deduplicate, enrich,
// canonicalise), the duplicate merger, and the runner that threads them
// together and persists the result.
package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/equity-aggregator/internal/clients/exchangerate"
	"github.com/aristath/equity-aggregator/internal/clients/openfigi"
	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/feeds"
)

const (
	// channelCapacity bounds every inter-stage channel, so a slow stage
	// backpressures the stages before it.
	channelCapacity = 256

	// DefaultEnrichConcurrency caps concurrent enrichment lookups.
	DefaultEnrichConcurrency = 100
)

// Identifier resolves ordered raw equities to identity triplets.
type Identifier interface {
	Identify(ctx context.Context, equities []domain.RawEquity) ([]openfigi.Identity, error)
}

// Enricher looks up vendor enrichment for one equity.
type Enricher interface {
	Lookup(ctx context.Context, equity domain.RawEquity) (domain.RawEquity, error)
}

// Parse normalises tagged feed records into validated raw equities.
// Records that fail validation are dropped with a warning.
func Parse(ctx context.Context, in <-chan domain.FeedRecord, log zerolog.Logger) <-chan domain.RawEquity {
	out := make(chan domain.RawEquity, channelCapacity)

	go func() {
		defer close(out)
		for record := range in {
			equity, err := feeds.Normalize(record)
			if err != nil {
				log.Warn().Err(err).Str("feed", record.FeedTag).Msg("Dropping invalid feed record")
				continue
			}
			select {
			case out <- equity:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Convert rewrites every priced record into USD. A record the converter
// cannot price (unknown currency, zero rate) aborts the run.
func Convert(ctx context.Context, in <-chan domain.RawEquity, converter *exchangerate.Converter, log zerolog.Logger) (<-chan domain.RawEquity, <-chan error) {
	out := make(chan domain.RawEquity, channelCapacity)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for equity := range in {
			converted, err := converter.ToUSD(equity)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- converted:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

// Identify drains the stream, resolves the whole batch in input order, and
// re-emits records whose identity resolved, with the authoritative name,
// symbol, and share-class FIGI applied. Unresolved records are dropped.
func Identify(ctx context.Context, in <-chan domain.RawEquity, resolver Identifier, log zerolog.Logger) (<-chan domain.RawEquity, <-chan error) {
	out := make(chan domain.RawEquity, channelCapacity)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var equities []domain.RawEquity
		for equity := range in {
			equities = append(equities, equity)
		}
		if len(equities) == 0 {
			return
		}

		identities, err := resolver.Identify(ctx, equities)
		if err != nil {
			errc <- err
			return
		}

		identified, failed := 0, 0
		for i, identity := range identities {
			if identity.FIGI == nil {
				failed++
				continue
			}

			resolved, err := applyIdentity(equities[i], identity)
			if err != nil {
				log.Warn().Err(err).Str("figi", *identity.FIGI).Msg("Dropping record with invalid resolved identity")
				failed++
				continue
			}

			identified++
			select {
			case out <- resolved:
			case <-ctx.Done():
				return
			}
		}

		log.Info().Msgf("Identified %d raw equities (failed for %d)", identified, failed)
	}()

	return out, errc
}

// applyIdentity rebuilds a record with the resolver's identity applied, so
// the overridden fields pass validation again.
func applyIdentity(equity domain.RawEquity, identity openfigi.Identity) (domain.RawEquity, error) {
	params := domain.RawEquityParams{
		Name:           equity.Name,
		Symbol:         equity.Symbol,
		ISIN:           equity.ISIN,
		CUSIP:          equity.CUSIP,
		ShareClassFIGI: identity.FIGI,
		MICs:           equity.MICs,
		Currency:       equity.Currency,
		LastPrice:      equity.LastPrice,
		MarketCap:      equity.MarketCap,
	}
	if identity.Name != nil {
		params.Name = *identity.Name
	}
	if identity.Ticker != nil {
		params.Symbol = *identity.Ticker
	}
	return domain.NewRawEquity(params)
}

// Deduplicate groups records by share-class FIGI in first-seen order and
// merges each group into one record. Running it over already-merged output
// yields the same records.
func Deduplicate(ctx context.Context, in <-chan domain.RawEquity, log zerolog.Logger) (<-chan domain.RawEquity, <-chan error) {
	out := make(chan domain.RawEquity, channelCapacity)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		groups := make(map[string][]domain.RawEquity)
		var order []string
		for equity := range in {
			if equity.ShareClassFIGI == nil {
				log.Warn().Str("symbol", equity.Symbol).Msg("Dropping unidentified record at dedup")
				continue
			}
			figi := *equity.ShareClassFIGI
			if _, seen := groups[figi]; !seen {
				order = append(order, figi)
			}
			groups[figi] = append(groups[figi], equity)
		}

		for _, figi := range order {
			merged, err := MergeGroup(groups[figi])
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- merged:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

// Enrich looks every record up against the enrichment vendor concurrently
// and fills only the fields the sources left empty. Vendor failures pass the
// record through unchanged; output arrives in completion order.
func Enrich(ctx context.Context, in <-chan domain.RawEquity, enricher Enricher, converter *exchangerate.Converter, concurrency int, log zerolog.Logger) <-chan domain.RawEquity {
	if concurrency <= 0 {
		concurrency = DefaultEnrichConcurrency
	}

	out := make(chan domain.RawEquity, channelCapacity)

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		semaphore := make(chan struct{}, concurrency)

	intake:
		for equity := range in {
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				break intake
			}

			wg.Add(1)
			go func(equity domain.RawEquity) {
				defer wg.Done()
				defer func() { <-semaphore }()

				result := enrichOne(ctx, equity, enricher, converter, log)
				select {
				case out <- result:
				case <-ctx.Done():
				}
			}(equity)
		}

		wg.Wait()
	}()

	return out
}

func enrichOne(ctx context.Context, equity domain.RawEquity, enricher Enricher, converter *exchangerate.Converter, log zerolog.Logger) domain.RawEquity {
	enriched, err := enricher.Lookup(ctx, equity)
	if err != nil {
		log.Debug().Err(err).Str("symbol", equity.Symbol).Msg("Enrichment unavailable, keeping source record")
		return equity
	}

	converted, err := converter.ToUSD(enriched)
	if err != nil {
		log.Warn().Err(err).Str("symbol", equity.Symbol).Msg("Enrichment payload not convertible, keeping source record")
		return equity
	}

	return fillMissing(equity, converted)
}

// fillMissing copies enrichment values into fields the source record left
// nil. Source values always win.
func fillMissing(equity, enriched domain.RawEquity) domain.RawEquity {
	if equity.ISIN == nil {
		equity.ISIN = enriched.ISIN
	}
	if equity.CUSIP == nil {
		equity.CUSIP = enriched.CUSIP
	}
	if equity.LastPrice == nil && enriched.LastPrice != nil {
		// A filled price takes the enrichment currency with it; price and
		// currency must denominate the same quote.
		equity.LastPrice = enriched.LastPrice
		equity.Currency = enriched.Currency
	}
	if equity.MarketCap == nil {
		equity.MarketCap = enriched.MarketCap
	}
	if equity.Currency == nil {
		equity.Currency = enriched.Currency
	}
	return equity
}

// Canonicalize promotes identified records to canonical equities. Records
// still missing a FIGI are dropped.
func Canonicalize(ctx context.Context, in <-chan domain.RawEquity, log zerolog.Logger) <-chan domain.CanonicalEquity {
	out := make(chan domain.CanonicalEquity, channelCapacity)

	go func() {
		defer close(out)
		for equity := range in {
			canonical, err := domain.NewCanonicalEquity(equity)
			if err != nil {
				log.Warn().Err(err).Str("symbol", equity.Symbol).Msg("Dropping non-canonical record")
				continue
			}
			select {
			case out <- canonical:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
