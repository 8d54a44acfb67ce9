// Package openfigi provides a client for Bloomberg's OpenFIGI API, used as
// the batch resolver that maps raw equities to authoritative identities
// (name, ticker, share-class FIGI). Output order always matches input order.
package openfigi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

const (
	defaultBaseURL = "https://api.openfigi.com/v3"
	cacheName      = "openfigi_identification"

	// DefaultBatchSize is the number of equities mapped per request.
	DefaultBatchSize = 100
	// DefaultMaxInFlight caps concurrent mapping requests.
	DefaultMaxInFlight = 10
)

// Identity is one resolved triplet. A nil FIGI means no identity mapped.
type Identity struct {
	Name   *string `msgpack:"name"`
	Ticker *string `msgpack:"ticker"`
	FIGI   *string `msgpack:"figi"`
}

// mappingRequest is one row of a batch mapping request.
type mappingRequest struct {
	IDType   string `json:"idType"`
	IDValue  string `json:"idValue"`
	SecType2 string `json:"securityType2"`
}

// mappingRecord is one vendor result row. The vendor keys records back into
// the batch by a zero-based query number; value fields are dynamically typed
// and non-strings are discarded.
type mappingRecord struct {
	QueryNumber  int         `json:"query_number"`
	FIGI         interface{} `json:"figi"`
	Name         interface{} `json:"name"`
	SecurityName interface{} `json:"securityName"`
	Ticker       interface{} `json:"ticker"`
}

// Resolver maps ordered sequences of raw equities to identity triplets.
type Resolver struct {
	baseURL     string
	apiKey      string
	httpClient  *httpclient.Client
	cache       *store.Store
	log         zerolog.Logger
	batchSize   int
	maxInFlight int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBaseURL overrides the vendor endpoint (used in tests).
func WithBaseURL(url string) Option {
	return func(r *Resolver) { r.baseURL = url }
}

// WithBatchSize overrides the batch slicing size.
func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxInFlight overrides the concurrent request cap.
func WithMaxInFlight(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxInFlight = n
		}
	}
}

// NewResolver creates an OpenFIGI batch resolver.
// cache is optional; if nil, result caching is disabled.
func NewResolver(apiKey string, httpClient *httpclient.Client, cache *store.Store, log zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		baseURL:     defaultBaseURL,
		apiKey:      apiKey,
		httpClient:  httpClient,
		cache:       cache,
		log:         log.With().Str("component", "openfigi").Logger(),
		batchSize:   DefaultBatchSize,
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identify maps each input equity to an identity triplet. The output slice
// has the same length and order as the input; unmappable entries carry a
// nil FIGI. A failed batch degrades to all-nulls so ordering always holds.
func (r *Resolver) Identify(ctx context.Context, equities []domain.RawEquity) ([]Identity, error) {
	if len(equities) == 0 {
		return nil, nil
	}

	cacheKey := identifyCacheKey(equities)
	if cached, ok := r.loadCached(cacheKey, len(equities)); ok {
		r.log.Debug().Int("count", len(equities)).Msg("Identification cache hit")
		return cached, nil
	}

	identities := make([]Identity, len(equities))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.maxInFlight)

	for start := 0; start < len(equities); start += r.batchSize {
		end := start + r.batchSize
		if end > len(equities) {
			end = len(equities)
		}

		wg.Add(1)
		go func(offset int, batch []domain.RawEquity) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				return
			}

			resolved, err := r.resolveBatch(ctx, batch)
			if err != nil {
				// Degrade the whole batch to nulls; the pipeline continues
				r.log.Warn().Err(err).
					Int("offset", offset).
					Int("size", len(batch)).
					Msg("Identification batch failed, degrading to nulls")
				return
			}
			copy(identities[offset:], resolved)
		}(start, equities[start:end])
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.storeCached(cacheKey, identities)
	return identities, nil
}

// resolveBatch maps one batch of at most batchSize equities.
func (r *Resolver) resolveBatch(ctx context.Context, batch []domain.RawEquity) ([]Identity, error) {
	requests := make([]mappingRequest, len(batch))
	for i, equity := range batch {
		requests[i] = buildRequest(equity)
	}

	body, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, r.baseURL+"/mapping", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", r.apiKey)
	}

	resp, err := r.httpClient.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OpenFIGI API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var records []mappingRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return assembleIdentities(records, len(batch)), nil
}

// buildRequest picks the most precise identifier available for an equity.
func buildRequest(equity domain.RawEquity) mappingRequest {
	req := mappingRequest{SecType2: "Equity"}
	switch {
	case equity.ISIN != nil:
		req.IDType = "ID_ISIN"
		req.IDValue = *equity.ISIN
	case equity.CUSIP != nil:
		req.IDType = "ID_CUSIP"
		req.IDValue = *equity.CUSIP
	default:
		req.IDType = "TICKER"
		req.IDValue = equity.Symbol
	}
	return req
}

// assembleIdentities folds vendor records into a batch-sized identity slice.
// For any index the first record carrying a valid FIGI wins; later records
// with the same index are ignored.
func assembleIdentities(records []mappingRecord, size int) []Identity {
	identities := make([]Identity, size)

	for _, record := range records {
		idx := record.QueryNumber
		if idx < 0 || idx >= size {
			continue
		}
		if identities[idx].FIGI != nil {
			continue
		}

		rawFIGI, ok := asString(record.FIGI)
		if !ok {
			continue
		}
		figi, err := domain.ValidateFIGI(rawFIGI)
		if err != nil {
			continue
		}

		identity := Identity{FIGI: &figi}
		if name, ok := asString(record.Name); ok {
			identity.Name = &name
		} else if name, ok := asString(record.SecurityName); ok {
			identity.Name = &name
		}
		if ticker, ok := asString(record.Ticker); ok {
			identity.Ticker = &ticker
		}
		identities[idx] = identity
	}

	return identities
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// identifyCacheKey derives a stable key over the whole ordered input.
func identifyCacheKey(equities []domain.RawEquity) string {
	h := sha256.New()
	for _, equity := range equities {
		fmt.Fprintf(h, "%s|%s|%s|%s\n",
			equity.Name, equity.Symbol, strOrEmpty(equity.ISIN), strOrEmpty(equity.CUSIP))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *Resolver) loadCached(key string, size int) ([]Identity, bool) {
	if r.cache == nil {
		return nil, false
	}

	payload, err := r.cache.LoadCacheEntry(cacheName, key)
	if err != nil || payload == nil {
		return nil, false
	}

	var identities []Identity
	if err := msgpack.Unmarshal(payload, &identities); err != nil {
		r.log.Warn().Err(err).Msg("Failed to unmarshal cached identification")
		return nil, false
	}
	if len(identities) != size {
		return nil, false
	}
	return identities, true
}

func (r *Resolver) storeCached(key string, identities []Identity) {
	if r.cache == nil {
		return
	}

	payload, err := msgpack.Marshal(identities)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to marshal identification for cache")
		return
	}
	if err := r.cache.SaveCacheEntry(cacheName, key, payload); err != nil {
		r.log.Warn().Err(err).Msg("Failed to cache identification")
	}
}
