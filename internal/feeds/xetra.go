package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
)

// XetraTag tags records produced by the Deutsche Börse Xetra feed.
const XetraTag = "XETRA"

const xetraPageSize = 100

// xetraRow is the cleaned form of one vendor instrument.
type xetraRow struct {
	Name      string `json:"name"`
	ISIN      string `json:"isin,omitempty"`
	Symbol    string `json:"symbol"`
	LastPrice string `json:"last_price,omitempty"`
	MarketCap string `json:"market_cap,omitempty"`
}

// Xetra feed: an offset/limit search endpoint sorted by turnover.
type Xetra struct {
	baseURL     string
	httpClient  *httpclient.Client
	maxInFlight int
	log         zerolog.Logger
}

// NewXetra creates the Xetra feed.
func NewXetra(httpClient *httpclient.Client, log zerolog.Logger) *Xetra {
	return &Xetra{
		baseURL:     "https://api.boerse-frankfurt.de",
		httpClient:  httpClient,
		maxInFlight: DefaultMaxPagesInFlight,
		log:         log.With().Str("component", "feeds").Str("feed", XetraTag).Logger(),
	}
}

// WithBaseURL overrides the vendor endpoint (used in tests).
func (f *Xetra) WithBaseURL(url string) *Xetra {
	f.baseURL = url
	return f
}

func (f *Xetra) Name() string { return XetraTag }

// Fetch loads the first page to discover the record count, then fetches the
// remaining offsets concurrently under the in-flight cap.
func (f *Xetra) Fetch(ctx context.Context) ([]domain.FeedRecord, error) {
	first, total, err := f.fetchPage(ctx, 0)
	if err != nil {
		return nil, err
	}

	rows := first
	if total > xetraPageSize {
		more, err := f.fetchRemaining(ctx, total)
		if err != nil {
			return nil, err
		}
		rows = append(rows, more...)
	}

	records := make([]domain.FeedRecord, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal row: %w", err)
		}
		records = append(records, domain.FeedRecord{FeedTag: XetraTag, Payload: payload})
	}
	return records, nil
}

func (f *Xetra) fetchRemaining(ctx context.Context, total int) ([]xetraRow, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	offsets := make([]int, 0, total/xetraPageSize)
	for offset := xetraPageSize; offset < total; offset += xetraPageSize {
		offsets = append(offsets, offset)
	}

	pages := make([][]xetraRow, len(offsets))
	errs := make(chan error, len(offsets))
	semaphore := make(chan struct{}, f.maxInFlight)

	var wg sync.WaitGroup
	for i, offset := range offsets {
		wg.Add(1)
		go func(i, offset int) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				return
			}

			rows, _, err := f.fetchPage(ctx, offset)
			if err != nil {
				errs <- fmt.Errorf("offset %d: %w", offset, err)
				cancel()
				return
			}
			pages[i] = rows
		}(i, offset)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return nil, err
	}

	var rows []xetraRow
	for _, page := range pages {
		rows = append(rows, page...)
	}
	return rows, nil
}

// xetraResponse is the vendor's search envelope.
type xetraResponse struct {
	RecordsTotal int `json:"recordsTotal"`
	Data         []struct {
		Name     string `json:"name"`
		ISIN     string `json:"isin"`
		Mnemonic string `json:"mnemonic"`
		Overview struct {
			LastPrice json.Number `json:"lastPrice"`
		} `json:"overview"`
		KeyData struct {
			MarketCapitalisation json.Number `json:"marketCapitalisation"`
		} `json:"keyData"`
	} `json:"data"`
}

func (f *Xetra) fetchPage(ctx context.Context, offset int) ([]xetraRow, int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"offset":    offset,
		"limit":     xetraPageSize,
		"sorting":   "TURNOVER",
		"sortOrder": "DESC",
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.baseURL+"/v1/search/equity_search", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}

	var payload xetraResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("failed to decode page: %w", err)
	}

	rows := make([]xetraRow, 0, len(payload.Data))
	for _, instrument := range payload.Data {
		if instrument.Name == "" || instrument.Mnemonic == "" {
			f.log.Warn().Str("isin", instrument.ISIN).Msg("Skipping incomplete instrument")
			continue
		}
		rows = append(rows, xetraRow{
			Name:      instrument.Name,
			ISIN:      instrument.ISIN,
			Symbol:    instrument.Mnemonic,
			LastPrice: instrument.Overview.LastPrice.String(),
			MarketCap: instrument.KeyData.MarketCapitalisation.String(),
		})
	}
	return rows, payload.RecordsTotal, nil
}

// normalizeXetra validates one cleaned row into a raw equity. The venue's
// home market and currency apply to every listing.
func normalizeXetra(payload json.RawMessage) (domain.RawEquity, error) {
	var row xetraRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return domain.RawEquity{}, fmt.Errorf("invalid payload: %w", err)
	}

	currency := "EUR"
	params := domain.RawEquityParams{
		Name:     row.Name,
		Symbol:   row.Symbol,
		MICs:     []string{"XETR"},
		Currency: &currency,
	}
	if row.ISIN != "" {
		params.ISIN = &row.ISIN
	}
	// Amounts arrive as JSON numbers, so the stringified form is already
	// canonical; locale-aware parsing would misread "1.234".
	if row.LastPrice != "" {
		price, err := decimal.NewFromString(row.LastPrice)
		if err != nil {
			return domain.RawEquity{}, fmt.Errorf("invalid last price %q: %w", row.LastPrice, err)
		}
		params.LastPrice = &price
	}
	if row.MarketCap != "" {
		marketCap, err := decimal.NewFromString(row.MarketCap)
		if err != nil {
			return domain.RawEquity{}, fmt.Errorf("invalid market cap %q: %w", row.MarketCap, err)
		}
		params.MarketCap = &marketCap
	}

	return domain.NewRawEquity(params)
}
