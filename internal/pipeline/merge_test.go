package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/equity-aggregator/internal/domain"
)

func mustEquity(t *testing.T, p domain.RawEquityParams) domain.RawEquity {
	t.Helper()
	equity, err := domain.NewRawEquity(p)
	require.NoError(t, err)
	return equity
}

func figiGroup(t *testing.T, figi string, equities ...domain.RawEquityParams) []domain.RawEquity {
	t.Helper()
	group := make([]domain.RawEquity, 0, len(equities))
	for _, p := range equities {
		p.ShareClassFIGI = &figi
		group = append(group, mustEquity(t, p))
	}
	return group
}

func TestMergeGroupNameMajorityCluster(t *testing.T) {
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO"},
		domain.RawEquityParams{Name: "Foo Inc Ltd", Symbol: "FOO"},
		domain.RawEquityParams{Name: "Completely Other Name", Symbol: "FOO"},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.Equal(t, "FOO INC", merged.Name, "largest cluster wins with its earliest spelling")
}

func TestMergeGroupPriceMedian(t *testing.T) {
	one := decimal.NewFromInt(1)
	nine := decimal.NewFromInt(9)
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", LastPrice: &one},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", LastPrice: &nine},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	require.NotNil(t, merged.LastPrice)
	assert.True(t, merged.LastPrice.Equal(decimal.NewFromInt(5)), "got %s", merged.LastPrice)
}

func TestMergeGroupPriceMedianOddCount(t *testing.T) {
	prices := []decimal.Decimal{
		decimal.NewFromInt(3), decimal.NewFromInt(1), decimal.NewFromInt(9),
	}
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", LastPrice: &prices[0]},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", LastPrice: &prices[1]},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", LastPrice: &prices[2]},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.True(t, merged.LastPrice.Equal(decimal.NewFromInt(3)))
}

func TestMergeGroupSymbolMode(t *testing.T) {
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO"},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO.PA"},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO"},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.Equal(t, "FOO", merged.Symbol)
}

func TestMergeGroupSymbolModeFirstSeenTiebreak(t *testing.T) {
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO.PA"},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO"},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.Equal(t, "FOO.PA", merged.Symbol)
}

func TestMergeGroupMICOrderedUnion(t *testing.T) {
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", MICs: []string{"XPAR", "XBRU"}},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", MICs: []string{"XBRU", "XAMS"}},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.Equal(t, []string{"XPAR", "XBRU", "XAMS"}, merged.MICs)
}

func TestMergeGroupModalIdentifiers(t *testing.T) {
	isinA := "US0000000003"
	isinB := "GB0000000009"
	eur := "EUR"
	usd := "USD"
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", ISIN: &isinA, Currency: &usd},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", ISIN: &isinA, Currency: &usd},
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", ISIN: &isinB, Currency: &eur},
	)

	merged, err := MergeGroup(group)
	require.NoError(t, err)
	assert.Equal(t, "US0000000003", *merged.ISIN)
	assert.Equal(t, "USD", *merged.Currency)
}

func TestMergeGroupMixedFIGIsFatal(t *testing.T) {
	group := []domain.RawEquity{
		mustEquity(t, domain.RawEquityParams{
			Name: "Foo Inc", Symbol: "FOO", ShareClassFIGI: domain.StrPtr("BBG000000001"),
		}),
		mustEquity(t, domain.RawEquityParams{
			Name: "Foo Inc", Symbol: "FOO", ShareClassFIGI: domain.StrPtr("BBG000000002"),
		}),
	}

	_, err := MergeGroup(group)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixes share-class FIGIs")
}

func TestMergeGroupIdempotent(t *testing.T) {
	price := decimal.RequireFromString("42.50")
	group := figiGroup(t, "BBG000000001",
		domain.RawEquityParams{Name: "Foo Inc", Symbol: "FOO", MICs: []string{"XPAR"}, LastPrice: &price},
	)

	once, err := MergeGroup(group)
	require.NoError(t, err)
	twice, err := MergeGroup([]domain.RawEquity{once})
	require.NoError(t, err)
	assert.True(t, once.Equal(twice))
}

func TestMergeGroupEmpty(t *testing.T) {
	_, err := MergeGroup(nil)
	require.Error(t, err)
}
