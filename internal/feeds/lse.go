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

// LSETag tags records produced by the London Stock Exchange feed.
const LSETag = "LSE"

var hundred = decimal.NewFromInt(100)

// lseRow is the cleaned form of one vendor instrument.
type lseRow struct {
	Name      string `json:"name"`
	ISIN      string `json:"isin,omitempty"`
	Symbol    string `json:"symbol"`
	Currency  string `json:"currency,omitempty"`
	LastPrice string `json:"last_price,omitempty"`
}

// LSE feed: a nested-JSON component endpoint paged by page number.
type LSE struct {
	baseURL     string
	httpClient  *httpclient.Client
	maxInFlight int
	log         zerolog.Logger
}

// NewLSE creates the LSE feed.
func NewLSE(httpClient *httpclient.Client, log zerolog.Logger) *LSE {
	return &LSE{
		baseURL:     "https://api.londonstockexchange.com",
		httpClient:  httpClient,
		maxInFlight: DefaultMaxPagesInFlight,
		log:         log.With().Str("component", "feeds").Str("feed", LSETag).Logger(),
	}
}

// WithBaseURL overrides the vendor endpoint (used in tests).
func (f *LSE) WithBaseURL(url string) *LSE {
	f.baseURL = url
	return f
}

func (f *LSE) Name() string { return LSETag }

// Fetch loads page 0 to discover the page count, then fetches the remaining
// pages concurrently. When the vendor omits the page count, pages are walked
// serially until one comes back empty. A 4xx on the discovery page means the
// listing is unavailable and yields zero records rather than an error.
func (f *LSE) Fetch(ctx context.Context) ([]domain.FeedRecord, error) {
	first, totalPages, status, err := f.fetchPage(ctx, 0)
	if err != nil {
		return nil, err
	}
	if status >= 400 && status < 500 {
		f.log.Warn().Int("status", status).Msg("Listing unavailable, returning zero records")
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("discovery page returned status %d", status)
	}

	rows := first
	if totalPages > 1 {
		more, err := f.fetchConcurrent(ctx, totalPages)
		if err != nil {
			return nil, err
		}
		rows = append(rows, more...)
	} else if totalPages == 0 && len(first) > 0 {
		more, err := f.fetchSerial(ctx)
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
		records = append(records, domain.FeedRecord{FeedTag: LSETag, Payload: payload})
	}
	return records, nil
}

// fetchConcurrent fetches pages 1..totalPages-1 under the in-flight cap.
func (f *LSE) fetchConcurrent(ctx context.Context, totalPages int) ([]lseRow, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make([][]lseRow, totalPages)
	errs := make(chan error, totalPages)
	semaphore := make(chan struct{}, f.maxInFlight)

	var wg sync.WaitGroup
	for page := 1; page < totalPages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				return
			}

			rows, _, status, err := f.fetchPage(ctx, page)
			if err != nil {
				errs <- fmt.Errorf("page %d: %w", page, err)
				cancel()
				return
			}
			if status != http.StatusOK {
				errs <- fmt.Errorf("page %d returned status %d", page, status)
				cancel()
				return
			}
			pages[page] = rows
		}(page)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return nil, err
	}

	var rows []lseRow
	for _, page := range pages {
		rows = append(rows, page...)
	}
	return rows, nil
}

// fetchSerial walks pages 1, 2, ... until an empty page.
func (f *LSE) fetchSerial(ctx context.Context) ([]lseRow, error) {
	var rows []lseRow
	for page := 1; ; page++ {
		pageRows, _, status, err := f.fetchPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("page %d returned status %d", page, status)
		}
		if len(pageRows) == 0 {
			return rows, nil
		}
		rows = append(rows, pageRows...)
	}
}

// lseRequest is the vendor's component-refresh envelope.
type lseRequest struct {
	Path       string         `json:"path"`
	Parameters string         `json:"parameters"`
	Components []lseComponent `json:"components"`
}

type lseComponent struct {
	ComponentID string `json:"componentId"`
	Parameters  string `json:"parameters"`
}

// lseResponse digs the instrument list out of the nested component payload.
type lseResponse []struct {
	Content []struct {
		Name  string `json:"name"`
		Value struct {
			TotalPages int `json:"totalPages"`
			Content    []struct {
				IssuerName string      `json:"issuername"`
				ISIN       string      `json:"isin"`
				TIDM       string      `json:"tidm"`
				Currency   string      `json:"currency"`
				LastPrice  json.Number `json:"lastprice"`
			} `json:"content"`
		} `json:"value"`
	} `json:"content"`
}

func (f *LSE) fetchPage(ctx context.Context, page int) ([]lseRow, int, int, error) {
	params := fmt.Sprintf("markets%%3DMAINMARKET%%26categories%%3DEQUITY%%26page%%3D%d", page)
	body, err := json.Marshal(lseRequest{
		Path:       "live-markets/market-data-dashboard/price-explorer",
		Parameters: params,
		Components: []lseComponent{{ComponentID: "priceexplorersearch", Parameters: params}},
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.baseURL+"/api/v1/components/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(ctx, req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, resp.StatusCode, nil
	}

	var payload lseResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode page: %w", err)
	}

	var rows []lseRow
	totalPages := 0
	for _, component := range payload {
		for _, content := range component.Content {
			if content.Name != "priceexplorersearch" {
				continue
			}
			if content.Value.TotalPages > totalPages {
				totalPages = content.Value.TotalPages
			}
			for _, instrument := range content.Value.Content {
				if instrument.IssuerName == "" || instrument.TIDM == "" {
					continue
				}
				rows = append(rows, lseRow{
					Name:      instrument.IssuerName,
					ISIN:      instrument.ISIN,
					Symbol:    instrument.TIDM,
					Currency:  instrument.Currency,
					LastPrice: instrument.LastPrice.String(),
				})
			}
		}
	}
	return rows, totalPages, http.StatusOK, nil
}

// normalizeLSE validates one cleaned row into a raw equity. Prices quoted in
// pence (GBX) become pounds.
func normalizeLSE(payload json.RawMessage) (domain.RawEquity, error) {
	var row lseRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return domain.RawEquity{}, fmt.Errorf("invalid payload: %w", err)
	}

	params := domain.RawEquityParams{
		Name:   row.Name,
		Symbol: row.Symbol,
		MICs:   []string{"XLON"},
	}
	if row.ISIN != "" {
		params.ISIN = &row.ISIN
	}

	currency := row.Currency
	pence := currency == "GBX" || currency == "GBp"
	if pence {
		currency = "GBP"
	}
	if currency != "" {
		params.Currency = &currency
	}

	// The price is a stringified JSON number; parse it exactly rather than
	// through the locale heuristic, which would misread "0.123".
	if row.LastPrice != "" {
		price, err := decimal.NewFromString(row.LastPrice)
		if err != nil {
			return domain.RawEquity{}, fmt.Errorf("invalid last price %q: %w", row.LastPrice, err)
		}
		if pence {
			price = price.Div(hundred)
		}
		params.LastPrice = &price
	}

	return domain.NewRawEquity(params)
}
