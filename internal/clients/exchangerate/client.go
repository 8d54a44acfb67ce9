// Package exchangerate provides currency exchange rate fetching and caching,
// and the USD conversion applied to priced fields in the pipeline.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

const (
	defaultBaseURL = "https://v6.exchangerate-api.com/v6"
	cacheName      = "exchange_rate_api"
)

// Client for exchangerate-api.com. Rates are quoted as foreign units per
// one USD.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *httpclient.Client
	cache      *store.Store
	log        zerolog.Logger
}

// NewClient creates a new exchange rate client.
// cache is optional; if nil, caching is disabled.
func NewClient(apiKey string, httpClient *httpclient.Client, cache *store.Store, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		cache:      cache,
		log:        log.With().Str("component", "exchangerate").Logger(),
	}
}

// WithBaseURL overrides the vendor endpoint (used in tests).
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

// rateResponse is the vendor payload for a USD-base rate table.
type rateResponse struct {
	Result   string          `json:"result"`
	RawRates json.RawMessage `json:"conversion_rates"`
}

// Rates loads the USD-base rate table, serving from the object cache when a
// fresh snapshot exists. A non-2xx response or a result other than
// "success" is an error the caller must treat as fatal.
func (c *Client) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if cached := c.loadCached(); cached != nil {
		c.log.Debug().Int("currencies", len(cached)).Msg("Rate table cache hit")
		return cached, nil
	}

	url := fmt.Sprintf("%s/%s/latest/USD", c.baseURL, c.apiKey)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("exchange rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange rate API error: status %d", resp.StatusCode)
	}

	var payload rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode rate response: %w", err)
	}
	if payload.Result != "success" {
		return nil, fmt.Errorf("exchange rate API returned result %q", payload.Result)
	}

	var rawRates map[string]json.Number
	if err := json.Unmarshal(payload.RawRates, &rawRates); err != nil {
		return nil, fmt.Errorf("failed to decode conversion rates: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(rawRates))
	for currency, rate := range rawRates {
		value, err := decimal.NewFromString(rate.String())
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", currency, err)
		}
		rates[currency] = value
	}

	c.storeCached(rates)
	c.log.Info().Int("currencies", len(rates)).Msg("Loaded USD rate table")
	return rates, nil
}

func (c *Client) loadCached() map[string]decimal.Decimal {
	if c.cache == nil {
		return nil
	}

	payload, err := c.cache.LoadCache(cacheName)
	if err != nil || payload == nil {
		return nil
	}

	var raw map[string]string
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.log.Warn().Err(err).Msg("Failed to unmarshal cached rate table")
		return nil
	}

	rates := make(map[string]decimal.Decimal, len(raw))
	for currency, rate := range raw {
		value, err := decimal.NewFromString(rate)
		if err != nil {
			return nil
		}
		rates[currency] = value
	}
	return rates
}

func (c *Client) storeCached(rates map[string]decimal.Decimal) {
	if c.cache == nil {
		return
	}

	raw := make(map[string]string, len(rates))
	for currency, rate := range rates {
		raw[currency] = rate.String()
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to marshal rate table for cache")
		return
	}
	if err := c.cache.SaveCache(cacheName, payload); err != nil {
		c.log.Warn().Err(err).Msg("Failed to cache rate table")
	}
}

// Converter converts an equity's priced fields to USD using a fixed rate
// table. The table is loaded once per run and shared immutably.
type Converter struct {
	rates map[string]decimal.Decimal
}

// NewConverter wraps a rate table in a pure conversion function.
func NewConverter(rates map[string]decimal.Decimal) *Converter {
	return &Converter{rates: rates}
}

// ToUSD converts LastPrice and MarketCap to USD. Equities without a price,
// without a currency, or already in USD pass through unchanged. An unknown
// currency or a zero rate is an error; records are never silently dropped.
func (cv *Converter) ToUSD(equity domain.RawEquity) (domain.RawEquity, error) {
	if equity.LastPrice == nil || equity.Currency == nil || *equity.Currency == "USD" {
		return equity, nil
	}

	rate, ok := cv.rates[*equity.Currency]
	if !ok {
		return domain.RawEquity{}, fmt.Errorf("no USD rate for currency %s", *equity.Currency)
	}
	if rate.IsZero() {
		return domain.RawEquity{}, fmt.Errorf("zero USD rate for currency %s", *equity.Currency)
	}

	converted := equity

	price := equity.LastPrice.Div(rate).Round(2)
	converted.LastPrice = &price

	if equity.MarketCap != nil {
		marketCap := equity.MarketCap.Div(rate).Round(2)
		converted.MarketCap = &marketCap
	}

	usd := "USD"
	converted.Currency = &usd
	return converted, nil
}
