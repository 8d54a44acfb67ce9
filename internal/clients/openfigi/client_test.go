package openfigi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

func testClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{MaxRetries: 1, BackoffBase: time.Millisecond})
}

func rawEquity(t *testing.T, name, symbol string, isin *string) domain.RawEquity {
	t.Helper()
	equity, err := domain.NewRawEquity(domain.RawEquityParams{Name: name, Symbol: symbol, ISIN: isin})
	require.NoError(t, err)
	return equity
}

func TestIdentifyOrderPreserving(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requests []mappingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&requests))

		// Map only the first query; leave the second unmapped
		records := []map[string]interface{}{
			{"query_number": 0, "figi": "FIGI00000001", "name": "Alpha Corp", "ticker": "ALF"},
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	resolver := NewResolver("key", testClient(), nil, zerolog.Nop(), WithBaseURL(server.URL))

	input := []domain.RawEquity{
		rawEquity(t, "Alpha Corp", "ALF", nil),
		rawEquity(t, "Beta Corp", "BET", nil),
	}

	identities, err := resolver.Identify(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, identities, 2)

	require.NotNil(t, identities[0].FIGI)
	assert.Equal(t, "FIGI00000001", *identities[0].FIGI)
	assert.Equal(t, "Alpha Corp", *identities[0].Name)
	assert.Equal(t, "ALF", *identities[0].Ticker)

	assert.Nil(t, identities[1].FIGI)
	assert.Nil(t, identities[1].Name)
}

func TestIdentifyFirstValidFIGIWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := []map[string]interface{}{
			{"query_number": 0, "figi": "short", "name": "Bad"},              // invalid FIGI, skipped
			{"query_number": 0, "figi": "FIGI00000001", "name": "First"},     // wins
			{"query_number": 0, "figi": "FIGI00000002", "name": "Second"},    // ignored
			{"query_number": 5, "figi": "FIGI00000003", "name": "OutBounds"}, // out of range
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	resolver := NewResolver("key", testClient(), nil, zerolog.Nop(), WithBaseURL(server.URL))

	identities, err := resolver.Identify(context.Background(), []domain.RawEquity{
		rawEquity(t, "Alpha Corp", "ALF", nil),
	})
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.Equal(t, "FIGI00000001", *identities[0].FIGI)
	assert.Equal(t, "First", *identities[0].Name)
}

func TestIdentifyNonStringValuesDiscarded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := []map[string]interface{}{
			{"query_number": 0, "figi": "FIGI00000001", "name": 42, "securityName": "Fallback Name", "ticker": true},
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	resolver := NewResolver("key", testClient(), nil, zerolog.Nop(), WithBaseURL(server.URL))

	identities, err := resolver.Identify(context.Background(), []domain.RawEquity{
		rawEquity(t, "Alpha Corp", "ALF", nil),
	})
	require.NoError(t, err)
	require.NotNil(t, identities[0].Name)
	assert.Equal(t, "Fallback Name", *identities[0].Name)
	assert.Nil(t, identities[0].Ticker)
}

func TestIdentifyFailedBatchDegradesToNulls(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requests []mappingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&requests))

		// Fail the batch containing BAD; succeed otherwise
		atomic.AddInt32(&calls, 1)
		for _, req := range requests {
			if req.IDValue == "BAD" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

		records := make([]map[string]interface{}, len(requests))
		for i := range requests {
			records[i] = map[string]interface{}{
				"query_number": i,
				"figi":         fmt.Sprintf("FIGI%08d", i),
			}
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	resolver := NewResolver("key", testClient(), nil, zerolog.Nop(),
		WithBaseURL(server.URL), WithBatchSize(1))

	input := []domain.RawEquity{
		rawEquity(t, "Good Corp", "GOOD", nil),
		rawEquity(t, "Bad Corp", "BAD", nil),
	}

	identities, err := resolver.Identify(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.NotNil(t, identities[0].FIGI)
	assert.Nil(t, identities[1].FIGI)
}

func TestIdentifyUsesMostPreciseIdentifier(t *testing.T) {
	var gotRequests []mappingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requests []mappingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&requests))
		gotRequests = requests
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer server.Close()

	resolver := NewResolver("key", testClient(), nil, zerolog.Nop(), WithBaseURL(server.URL))

	withISIN, err := domain.NewRawEquity(domain.RawEquityParams{
		Name: "A Corp", Symbol: "A", ISIN: domain.StrPtr("US0378331005"), CUSIP: domain.StrPtr("037833100"),
	})
	require.NoError(t, err)
	withCUSIP, err := domain.NewRawEquity(domain.RawEquityParams{
		Name: "B Corp", Symbol: "B", CUSIP: domain.StrPtr("037833100"),
	})
	require.NoError(t, err)
	symbolOnly := rawEquity(t, "C Corp", "C", nil)

	_, err = resolver.Identify(context.Background(), []domain.RawEquity{withISIN, withCUSIP, symbolOnly})
	require.NoError(t, err)

	require.Len(t, gotRequests, 3)
	assert.Equal(t, "ID_ISIN", gotRequests[0].IDType)
	assert.Equal(t, "US0378331005", gotRequests[0].IDValue)
	assert.Equal(t, "ID_CUSIP", gotRequests[1].IDType)
	assert.Equal(t, "TICKER", gotRequests[2].IDType)
	assert.Equal(t, "C", gotRequests[2].IDValue)
	for _, req := range gotRequests {
		assert.Equal(t, "Equity", req.SecType2)
	}
}

func TestIdentifyCacheRoundTrip(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		records := []map[string]interface{}{
			{"query_number": 0, "figi": "FIGI00000001", "name": "Alpha Corp", "ticker": "ALF"},
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	cache, err := store.New(
		fmt.Sprintf("file:openfigi_cache_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		time.Hour, zerolog.Nop(),
	)
	require.NoError(t, err)
	defer cache.Close()

	resolver := NewResolver("key", testClient(), cache, zerolog.Nop(), WithBaseURL(server.URL))

	input := []domain.RawEquity{rawEquity(t, "Alpha Corp", "ALF", nil)}

	first, err := resolver.Identify(context.Background(), input)
	require.NoError(t, err)
	second, err := resolver.Identify(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call served from cache")
	require.NotNil(t, second[0].FIGI)
	assert.Equal(t, *first[0].FIGI, *second[0].FIGI)
}
