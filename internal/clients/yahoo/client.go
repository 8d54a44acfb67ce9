package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/store"
)

const (
	cacheName = "yahoo_enrichment"

	// DefaultMinFuzzyScore is the minimum combined similarity (symbol ratio
	// plus token-sort name ratio, each 0-100) a fuzzy candidate must reach.
	DefaultMinFuzzyScore = 150
)

// Recoverable lookup failures. The enrichment stage treats all of these as
// "no vendor data" and passes the record through unchanged.
var (
	ErrNoQuotes      = errors.New("search returned no quotes")
	ErrNoEquityData  = errors.New("search returned no viable equity quotes")
	ErrLowFuzzyScore = errors.New("best candidate scored below the fuzzy threshold")
	ErrEmptySummary  = errors.New("vendor returned an empty summary")
)

// quoteSummaryModules is the fixed module set requested per symbol. Flattening
// merges them in this order, so later modules overwrite earlier keys.
var quoteSummaryModules = []string{
	"quoteType",
	"summaryProfile",
	"summaryDetail",
	"defaultKeyStatistics",
	"price",
}

// Client looks up one equity at a time against the vendor, caching successful
// enrichment payloads in the store under the caller's symbol.
type Client struct {
	session       *Session
	cache         *store.Store
	minFuzzyScore int
	log           zerolog.Logger
}

// NewClient creates an enrichment client over an existing session.
// cache is optional; if nil, caching is disabled.
func NewClient(session *Session, cache *store.Store, minFuzzyScore int, log zerolog.Logger) *Client {
	if minFuzzyScore <= 0 {
		minFuzzyScore = DefaultMinFuzzyScore
	}
	return &Client{
		session:       session,
		cache:         cache,
		minFuzzyScore: minFuzzyScore,
		log:           log.With().Str("component", "yahoo").Logger(),
	}
}

// candidate is one search result under consideration.
type candidate struct {
	Symbol    string `json:"symbol"`
	QuoteType string `json:"quoteType"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
}

type searchResponse struct {
	Quotes []candidate `json:"quotes"`
}

// Lookup enriches one equity from the vendor, returning a RawEquity built
// from the vendor payload in the vendor's own currency. Attempts run in
// precision order: ISIN, then CUSIP, then fuzzy search by name; the first
// attempt that yields data wins. All returned errors are recoverable.
func (c *Client) Lookup(ctx context.Context, equity domain.RawEquity) (domain.RawEquity, error) {
	if cached, ok := c.loadCached(equity.Symbol); ok {
		c.log.Debug().Str("symbol", equity.Symbol).Msg("Enrichment cache hit")
		return cached, nil
	}

	type attempt struct {
		query string
		fuzzy bool
	}
	var attempts []attempt
	if equity.ISIN != nil {
		attempts = append(attempts, attempt{query: *equity.ISIN})
	}
	if equity.CUSIP != nil {
		attempts = append(attempts, attempt{query: *equity.CUSIP})
	}
	attempts = append(attempts, attempt{query: equity.Name, fuzzy: true})

	var lastErr error
	for _, a := range attempts {
		enriched, err := c.lookupByQuery(ctx, equity, a.query, a.fuzzy)
		if err != nil {
			lastErr = err
			if isRecoverable(err) {
				continue
			}
			return domain.RawEquity{}, err
		}

		c.storeCached(equity.Symbol, enriched)
		return enriched, nil
	}

	return domain.RawEquity{}, lastErr
}

func isRecoverable(err error) bool {
	return errors.Is(err, ErrNoQuotes) ||
		errors.Is(err, ErrNoEquityData) ||
		errors.Is(err, ErrLowFuzzyScore) ||
		errors.Is(err, ErrEmptySummary)
}

// lookupByQuery runs one search attempt end to end: search, candidate
// selection, then summary retrieval for the chosen symbol.
func (c *Client) lookupByQuery(ctx context.Context, equity domain.RawEquity, query string, fuzzyAttempt bool) (domain.RawEquity, error) {
	body, err := c.session.get(ctx, "/v1/finance/search", url.Values{
		"q":           {query},
		"quotesCount": {"10"},
	})
	if err != nil {
		return domain.RawEquity{}, fmt.Errorf("search for %q failed: %w", query, err)
	}

	var search searchResponse
	if err := json.Unmarshal(body, &search); err != nil {
		return domain.RawEquity{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(search.Quotes) == 0 {
		return domain.RawEquity{}, fmt.Errorf("search for %q: %w", query, ErrNoQuotes)
	}

	selected, err := c.selectCandidate(equity, search.Quotes, fuzzyAttempt)
	if err != nil {
		return domain.RawEquity{}, err
	}

	flat, err := c.fetchSummary(ctx, selected.Symbol)
	if err != nil {
		return domain.RawEquity{}, err
	}

	return buildEnrichment(selected.Symbol, flat)
}

// selectCandidate filters search results down to equity quotes and picks one.
// Identifier attempts require a long name; fuzzy attempts accept a short name.
// A single viable candidate wins outright. When every viable candidate shares
// the same name the first wins. Otherwise the highest combined fuzzy score
// wins, provided it clears the threshold.
func (c *Client) selectCandidate(equity domain.RawEquity, quotes []candidate, fuzzyAttempt bool) (candidate, error) {
	var viable []candidate
	for _, q := range quotes {
		if q.QuoteType != "EQUITY" || q.Symbol == "" {
			continue
		}
		if q.LongName == "" && (!fuzzyAttempt || q.ShortName == "") {
			continue
		}
		viable = append(viable, q)
	}
	if len(viable) == 0 {
		return candidate{}, ErrNoEquityData
	}
	if len(viable) == 1 {
		return viable[0], nil
	}

	nameOf := func(q candidate) string {
		if q.LongName != "" {
			return q.LongName
		}
		return q.ShortName
	}

	allSame := true
	firstName := nameOf(viable[0])
	for _, cand := range viable[1:] {
		if nameOf(cand) != firstName {
			allSame = false
			break
		}
	}
	if allSame {
		return viable[0], nil
	}

	best := viable[0]
	bestScore := -1
	for _, cand := range viable {
		score := fuzzy.Ratio(equity.Symbol, cand.Symbol) +
			fuzzy.TokenSortRatio(equity.Name, nameOf(cand))
		if score > bestScore {
			best = cand
			bestScore = score
		}
	}
	if bestScore < c.minFuzzyScore {
		return candidate{}, fmt.Errorf("best candidate %s scored %d: %w",
			best.Symbol, bestScore, ErrLowFuzzyScore)
	}
	return best, nil
}

// fetchSummary loads the flattened quote summary for a symbol, falling back
// to the simple quote endpoint when the summary comes back empty.
func (c *Client) fetchSummary(ctx context.Context, symbol string) (map[string]interface{}, error) {
	body, err := c.session.get(ctx, "/v10/finance/quoteSummary/"+url.PathEscape(symbol), url.Values{
		"modules": {strings.Join(quoteSummaryModules, ",")},
	})
	if err != nil {
		return nil, fmt.Errorf("quote summary for %s failed: %w", symbol, err)
	}

	flat := flattenSummary(body)
	if len(flat) > 0 {
		return flat, nil
	}

	body, err = c.session.get(ctx, "/v7/finance/quote", url.Values{"symbols": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("quote fallback for %s failed: %w", symbol, err)
	}

	flat = flattenQuote(body)
	if len(flat) == 0 {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrEmptySummary)
	}
	return flat, nil
}

// flattenSummary merges the summary's modules into one flat map, iterating
// the fixed module order so later modules overwrite earlier keys.
func flattenSummary(body []byte) map[string]interface{} {
	var payload struct {
		QuoteSummary struct {
			Result []map[string]map[string]interface{} `json:"result"`
		} `json:"quoteSummary"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.QuoteSummary.Result) == 0 {
		return nil
	}

	modules := payload.QuoteSummary.Result[0]
	flat := make(map[string]interface{})
	for _, name := range quoteSummaryModules {
		for key, value := range modules[name] {
			flat[key] = value
		}
	}
	return flat
}

// flattenQuote extracts the first result of the simple quote endpoint, which
// is already flat.
func flattenQuote(body []byte) map[string]interface{} {
	var payload struct {
		QuoteResponse struct {
			Result []map[string]interface{} `json:"result"`
		} `json:"quoteResponse"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.QuoteResponse.Result) == 0 {
		return nil
	}
	return payload.QuoteResponse.Result[0]
}

// buildEnrichment maps the flattened vendor payload into a RawEquity in the
// vendor's currency. Construction validates every field.
func buildEnrichment(symbol string, flat map[string]interface{}) (domain.RawEquity, error) {
	params := domain.RawEquityParams{
		Symbol: symbol,
	}

	if name := firstString(flat, "longName", "shortName"); name != "" {
		params.Name = name
	}
	if vendorSymbol := firstString(flat, "symbol"); vendorSymbol != "" {
		params.Symbol = vendorSymbol
	}
	if currency := firstString(flat, "currency"); currency != "" {
		params.Currency = &currency
	}
	if price, ok := numericField(flat, "regularMarketPrice"); ok {
		params.LastPrice = &price
	}
	if marketCap, ok := numericField(flat, "marketCap"); ok {
		params.MarketCap = &marketCap
	}

	enriched, err := domain.NewRawEquity(params)
	if err != nil {
		return domain.RawEquity{}, fmt.Errorf("vendor payload for %s is not a valid equity: %w", symbol, err)
	}
	return enriched, nil
}

func firstString(flat map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := flat[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// numericField reads a vendor number, which arrives either as a plain JSON
// number or wrapped as {"raw": n, "fmt": "..."}.
func numericField(flat map[string]interface{}, key string) (decimal.Decimal, bool) {
	value, ok := flat[key]
	if !ok {
		return decimal.Decimal{}, false
	}

	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case map[string]interface{}:
		if raw, ok := v["raw"].(float64); ok {
			return decimal.NewFromFloat(raw), true
		}
	}
	return decimal.Decimal{}, false
}

func (c *Client) loadCached(symbol string) (domain.RawEquity, bool) {
	if c.cache == nil {
		return domain.RawEquity{}, false
	}

	payload, err := c.cache.LoadCacheEntry(cacheName, symbol)
	if err != nil || payload == nil {
		return domain.RawEquity{}, false
	}

	var enriched domain.RawEquity
	if err := msgpack.Unmarshal(payload, &enriched); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached enrichment")
		return domain.RawEquity{}, false
	}
	return enriched, true
}

func (c *Client) storeCached(symbol string, enriched domain.RawEquity) {
	if c.cache == nil {
		return
	}

	payload, err := msgpack.Marshal(enriched)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to marshal enrichment for cache")
		return
	}
	if err := c.cache.SaveCacheEntry(cacheName, symbol, payload); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache enrichment")
	}
}
