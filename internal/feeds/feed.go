// Package feeds implements the exchange source feeds. Each feed snapshots a
// vendor listing into tagged records; a Source wraps a feed with store-backed
// snapshot caching and per-feed ISIN dedup, and the Collector fans all
// sources into one stream for the pipeline.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/store"
)

// DefaultMaxPagesInFlight caps concurrent page fetches within one feed.
const DefaultMaxPagesInFlight = 8

// Feed produces one full snapshot of an exchange's equity listing as tagged
// records. Fetch is expected to be expensive; callers cache through a Source.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.FeedRecord, error)
}

// Source wraps a feed with snapshot caching and ISIN dedup.
type Source struct {
	feed  Feed
	cache *store.Store
	log   zerolog.Logger
}

// NewSource wraps a feed. cache is optional; if nil, every Records call
// fetches a fresh snapshot.
func NewSource(feed Feed, cache *store.Store, log zerolog.Logger) *Source {
	return &Source{
		feed:  feed,
		cache: cache,
		log:   log.With().Str("component", "feeds").Str("feed", feed.Name()).Logger(),
	}
}

// Name returns the wrapped feed's tag.
func (s *Source) Name() string {
	return s.feed.Name()
}

// Records returns the feed's deduplicated snapshot, serving a cached snapshot
// when one is fresh and caching the fetched one otherwise.
func (s *Source) Records(ctx context.Context) ([]domain.FeedRecord, error) {
	cacheName := "feed_" + s.feed.Name()

	if s.cache != nil {
		payload, err := s.cache.LoadCache(cacheName)
		if err == nil && payload != nil {
			var records []domain.FeedRecord
			if err := msgpack.Unmarshal(payload, &records); err == nil {
				s.log.Debug().Int("records", len(records)).Msg("Feed snapshot cache hit")
				return records, nil
			}
			s.log.Warn().Msg("Discarding corrupt cached feed snapshot")
		}
	}

	records, err := s.feed.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed %s fetch failed: %w", s.feed.Name(), err)
	}
	records = dedupeByISIN(records)

	if s.cache != nil {
		payload, err := msgpack.Marshal(records)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to marshal feed snapshot for cache")
		} else if err := s.cache.SaveCache(cacheName, payload); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache feed snapshot")
		}
	}

	s.log.Info().Int("records", len(records)).Msg("Fetched feed snapshot")
	return records, nil
}

// dedupeByISIN keeps the first record per ISIN. Records without an ISIN are
// kept unconditionally. Every feed payload carries its ISIN under "isin".
func dedupeByISIN(records []domain.FeedRecord) []domain.FeedRecord {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, record := range records {
		var probe struct {
			ISIN string `json:"isin"`
		}
		if err := json.Unmarshal(record.Payload, &probe); err == nil && probe.ISIN != "" {
			if _, dup := seen[probe.ISIN]; dup {
				continue
			}
			seen[probe.ISIN] = struct{}{}
		}
		out = append(out, record)
	}
	return out
}

// FeedFailurePolicy decides what a source failure does to the run.
type FeedFailurePolicy int

const (
	// FailFast aborts the whole run on the first source failure.
	FailFast FeedFailurePolicy = iota
	// IsolateFailures logs the failure and continues with the other sources.
	IsolateFailures
)

// Collector fans multiple sources into one record stream.
type Collector struct {
	sources []*Source
	policy  FeedFailurePolicy
	log     zerolog.Logger
}

// NewCollector creates a collector over the given sources.
func NewCollector(sources []*Source, policy FeedFailurePolicy, log zerolog.Logger) *Collector {
	return &Collector{
		sources: sources,
		policy:  policy,
		log:     log.With().Str("component", "feeds").Logger(),
	}
}

// Collect fetches every source concurrently and sends all records to out.
// out is closed when collection finishes. Under FailFast the first source
// error cancels the remaining sources and is returned.
func (c *Collector) Collect(ctx context.Context, out chan<- domain.FeedRecord) error {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(c.sources))

	for _, source := range c.sources {
		wg.Add(1)
		go func(source *Source) {
			defer wg.Done()

			records, err := source.Records(ctx)
			if err != nil {
				if c.policy == FailFast {
					errs <- err
					cancel()
					return
				}
				c.log.Warn().Err(err).Str("feed", source.Name()).Msg("Source failed, continuing without it")
				return
			}

			for _, record := range records {
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			}
		}(source)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return ctx.Err()
}

// Normalize turns a tagged feed record into a validated raw equity using the
// feed's own normaliser.
func Normalize(record domain.FeedRecord) (domain.RawEquity, error) {
	switch record.FeedTag {
	case EuronextTag:
		return normalizeEuronext(record.Payload)
	case LSETag:
		return normalizeLSE(record.Payload)
	case XetraTag:
		return normalizeXetra(record.Payload)
	default:
		return domain.RawEquity{}, fmt.Errorf("unknown feed tag %q", record.FeedTag)
	}
}
