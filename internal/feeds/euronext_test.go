package feeds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/equity-aggregator/internal/httpclient"
)

func feedTestClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{MaxRetries: 1, BackoffBase: time.Millisecond})
}

func TestParseEuronextRow(t *testing.T) {
	raw := []string{
		`<a href="/en/product/equities/FR0000121014-XPAR">LVMH</a>`,
		`FR0000121014`,
		`MC`,
		`XPAR, XBRU`,
		`EUR <span class="last-price">612,30</span>`,
	}

	row, ok := parseEuronextRow(raw, "XPAR")
	require.True(t, ok)
	assert.Equal(t, "LVMH", row.Name)
	assert.Equal(t, "FR0000121014", row.ISIN)
	assert.Equal(t, "MC", row.Symbol)
	assert.Equal(t, []string{"XPAR", "XBRU"}, row.MICs)
	assert.Equal(t, "EUR", row.Currency)
	assert.Equal(t, "612,30", row.LastPrice)
}

func TestParseEuronextRowMalformed(t *testing.T) {
	_, ok := parseEuronextRow([]string{"no anchor", "ISIN", "SYM", "XPAR", "EUR"}, "XPAR")
	assert.False(t, ok, "row without a name anchor is rejected")

	_, ok = parseEuronextRow([]string{`<a>Name</a>`, "ISIN"}, "XPAR")
	assert.False(t, ok, "short row is rejected")
}

func TestNormalizeEuronext(t *testing.T) {
	payload, err := json.Marshal(euronextRow{
		Name:      "LVMH Moët Hennessy",
		ISIN:      "FR0000121014",
		Symbol:    "MC",
		MICs:      []string{"XPAR", "XBRU"},
		Currency:  "EUR",
		LastPrice: "1.234,56",
	})
	require.NoError(t, err)

	equity, err := normalizeEuronext(payload)
	require.NoError(t, err)

	assert.Equal(t, "LVMH MOËT HENNESSY", equity.Name)
	assert.Equal(t, "MC", equity.Symbol)
	assert.Equal(t, "FR0000121014", *equity.ISIN)
	assert.Equal(t, []string{"XPAR", "XBRU"}, equity.MICs)
	assert.Equal(t, "EUR", *equity.Currency)
	assert.Equal(t, "1234.56", equity.LastPrice.String())
}

func TestEuronextFetchPagesUntilComplete(t *testing.T) {
	// Serve two pages for XPAR and empty listings for every other venue.
	page := func(total int, rows ...[]string) euronextPage {
		if rows == nil {
			rows = [][]string{}
		}
		return euronextPage{TotalRecords: total, Rows: rows}
	}
	xparRow := func(name, isin, symbol string) []string {
		return []string{
			`<a href="#">` + name + `</a>`, isin, symbol, `XPAR`,
			`EUR <span>10.00</span>`,
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mic := r.URL.Query().Get("mics")
		start := r.FormValue("iDisplayStart")

		// Both DataTables parameter generations are sent and agree
		assert.Equal(t, start, r.FormValue("start"))
		assert.Equal(t, r.FormValue("iDisplayLength"), r.FormValue("length"))
		assert.NotEmpty(t, r.FormValue("length"))

		switch {
		case mic == "XPAR" && start == "0":
			// TotalRecords of 101 forces a second page at start=100
			json.NewEncoder(w).Encode(page(101,
				xparRow("Alpha SA", "FR0000000001", "ALF"),
			))
		case mic == "XPAR":
			json.NewEncoder(w).Encode(page(101,
				xparRow("Beta SA", "FR0000000002", "BET"),
			))
		default:
			json.NewEncoder(w).Encode(page(0))
		}
	}))
	defer server.Close()

	feed := NewEuronext(feedTestClient(), zerolog.Nop()).WithBaseURL(server.URL)

	records, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	names := map[string]bool{}
	for _, record := range records {
		assert.Equal(t, EuronextTag, record.FeedTag)
		var row euronextRow
		require.NoError(t, json.Unmarshal(record.Payload, &row))
		names[row.Name] = true
	}
	assert.True(t, names["Alpha SA"])
	assert.True(t, names["Beta SA"])
}

func TestEuronextFetchVenueErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mics") == "XAMS" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(euronextPage{TotalRecords: 0, Rows: [][]string{}})
	}))
	defer server.Close()

	feed := NewEuronext(feedTestClient(), zerolog.Nop()).WithBaseURL(server.URL)

	_, err := feed.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Amsterdam")
}
