package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
)

// EuronextTag tags records produced by the Euronext feed.
const EuronextTag = "EURONEXT"

const euronextPageSize = 100

// euronextVenues maps each venue fanned out over to its MIC.
var euronextVenues = map[string]string{
	"Paris":     "XPAR",
	"Amsterdam": "XAMS",
	"Brussels":  "XBRU",
	"Lisbon":    "XLIS",
	"Dublin":    "XMSM",
	"Oslo":      "XOSL",
}

// euronextRow is the cleaned form of one vendor table row. The vendor serves
// rows as arrays of HTML fragments; parsing happens at fetch time so cached
// snapshots hold clean payloads.
type euronextRow struct {
	Name      string   `json:"name"`
	ISIN      string   `json:"isin,omitempty"`
	Symbol    string   `json:"symbol"`
	MICs      []string `json:"mics,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	LastPrice string   `json:"last_price,omitempty"`
}

// Euronext feed: one DataTables-style paged listing per venue.
type Euronext struct {
	baseURL     string
	httpClient  *httpclient.Client
	maxInFlight int
	log         zerolog.Logger
}

// NewEuronext creates the Euronext feed.
func NewEuronext(httpClient *httpclient.Client, log zerolog.Logger) *Euronext {
	return &Euronext{
		baseURL:     "https://live.euronext.com",
		httpClient:  httpClient,
		maxInFlight: DefaultMaxPagesInFlight,
		log:         log.With().Str("component", "feeds").Str("feed", EuronextTag).Logger(),
	}
}

// WithBaseURL overrides the vendor endpoint (used in tests).
func (f *Euronext) WithBaseURL(url string) *Euronext {
	f.baseURL = url
	return f
}

func (f *Euronext) Name() string { return EuronextTag }

// Fetch pages every venue's listing concurrently. Venue producers feed a
// bounded channel; each signals completion through the wait group, and the
// channel closes once all producers are done.
func (f *Euronext) Fetch(ctx context.Context) ([]domain.FeedRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows := make(chan euronextRow, 256)
	errs := make(chan error, len(euronextVenues))
	semaphore := make(chan struct{}, f.maxInFlight)

	var wg sync.WaitGroup
	for venue, mic := range euronextVenues {
		wg.Add(1)
		go func(venue, mic string) {
			defer wg.Done()
			if err := f.fetchVenue(ctx, venue, mic, rows, semaphore); err != nil {
				errs <- fmt.Errorf("venue %s: %w", venue, err)
				cancel()
			}
		}(venue, mic)
	}

	go func() {
		wg.Wait()
		close(rows)
	}()

	var records []domain.FeedRecord
	for row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal row: %w", err)
		}
		records = append(records, domain.FeedRecord{FeedTag: EuronextTag, Payload: payload})
	}

	close(errs)
	for err := range errs {
		return nil, err
	}
	return records, nil
}

// euronextPage is the vendor's DataTables response envelope.
type euronextPage struct {
	TotalRecords int             `json:"iTotalRecords"`
	Rows         [][]string      `json:"aaData"`
	Draw         json.RawMessage `json:"draw"`
}

// fetchVenue pages one venue until every record is seen.
func (f *Euronext) fetchVenue(ctx context.Context, venue, mic string, rows chan<- euronextRow, semaphore chan struct{}) error {
	for start, draw := 0, 1; ; start, draw = start+euronextPageSize, draw+1 {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		page, err := f.fetchPage(ctx, mic, start, draw)
		<-semaphore
		if err != nil {
			return err
		}

		for _, raw := range page.Rows {
			row, ok := parseEuronextRow(raw, mic)
			if !ok {
				f.log.Warn().Str("venue", venue).Msg("Skipping malformed listing row")
				continue
			}
			select {
			case rows <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if start+euronextPageSize >= page.TotalRecords {
			return nil
		}
	}
}

func (f *Euronext) fetchPage(ctx context.Context, mic string, start, draw int) (*euronextPage, error) {
	// The endpoint reads both DataTables parameter generations
	form := url.Values{
		"draw":           {strconv.Itoa(draw)},
		"start":          {strconv.Itoa(start)},
		"length":         {strconv.Itoa(euronextPageSize)},
		"iDisplayStart":  {strconv.Itoa(start)},
		"iDisplayLength": {strconv.Itoa(euronextPageSize)},
	}

	endpoint := fmt.Sprintf("%s/en/pd_es/data/stocks?mics=%s", f.baseURL, mic)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}

	var page euronextPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return &page, nil
}

var (
	anchorTextPattern = regexp.MustCompile(`>([^<]+)</a>`)
	priceCellPattern  = regexp.MustCompile(`^\s*([A-Z]{3})\s*<span[^>]*>([^<]*)</span>`)
)

// parseEuronextRow extracts the listing fields from one HTML-fragment row:
// name anchor, ISIN, symbol, comma-separated MIC cell, "CCY <span>price</span>".
func parseEuronextRow(raw []string, venueMIC string) (euronextRow, bool) {
	if len(raw) < 5 {
		return euronextRow{}, false
	}

	name := ""
	if m := anchorTextPattern.FindStringSubmatch(raw[0]); m != nil {
		name = strings.TrimSpace(m[1])
	}
	if name == "" {
		return euronextRow{}, false
	}

	row := euronextRow{
		Name:   name,
		ISIN:   strings.TrimSpace(raw[1]),
		Symbol: strings.TrimSpace(raw[2]),
	}
	if row.Symbol == "" {
		return euronextRow{}, false
	}

	mics := []string{venueMIC}
	for _, mic := range strings.Split(raw[3], ",") {
		mic = strings.TrimSpace(mic)
		if mic != "" && mic != venueMIC {
			mics = append(mics, mic)
		}
	}
	row.MICs = mics

	if m := priceCellPattern.FindStringSubmatch(raw[4]); m != nil {
		row.Currency = m[1]
		row.LastPrice = strings.TrimSpace(m[2])
	}

	return row, true
}

// normalizeEuronext validates one cleaned row into a raw equity.
func normalizeEuronext(payload json.RawMessage) (domain.RawEquity, error) {
	var row euronextRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return domain.RawEquity{}, fmt.Errorf("invalid payload: %w", err)
	}

	params := domain.RawEquityParams{
		Name:   row.Name,
		Symbol: row.Symbol,
		MICs:   row.MICs,
	}
	if row.ISIN != "" {
		params.ISIN = &row.ISIN
	}
	if row.Currency != "" {
		params.Currency = &row.Currency
	}
	if row.LastPrice != "" {
		price, err := domain.ParseDecimal(row.LastPrice)
		if err != nil {
			return domain.RawEquity{}, fmt.Errorf("invalid last price %q: %w", row.LastPrice, err)
		}
		params.LastPrice = &price
	}

	return domain.NewRawEquity(params)
}
