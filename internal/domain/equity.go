// Package domain defines the records that flow through the aggregation
// pipeline and the validators that normalise them at every boundary.
//
// RawEquity is the in-flight record: every source feed and vendor payload is
// coerced into it before the pipeline sees the data. CanonicalEquity is the
// terminal record, keyed by share-class FIGI, and the only shape persisted to
// the canonical table.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// FeedRecord pairs a raw vendor payload with the tag of the feed that
// produced it. The parse stage uses the tag to pick the right normaliser.
type FeedRecord struct {
	FeedTag string
	Payload json.RawMessage
}

// RawEquity is the common in-flight record. All fields are normalised on
// construction; optional fields are nil when absent. Records flow through
// the pipeline by value and are never mutated in place.
type RawEquity struct {
	Name           string           `json:"name" msgpack:"name"`
	Symbol         string           `json:"symbol" msgpack:"symbol"`
	ISIN           *string          `json:"isin,omitempty" msgpack:"isin"`
	CUSIP          *string          `json:"cusip,omitempty" msgpack:"cusip"`
	ShareClassFIGI *string          `json:"share_class_figi,omitempty" msgpack:"share_class_figi"`
	MICs           []string         `json:"mics,omitempty" msgpack:"mics"`
	Currency       *string          `json:"currency,omitempty" msgpack:"currency"`
	LastPrice      *decimal.Decimal `json:"last_price,omitempty" msgpack:"last_price"`
	MarketCap      *decimal.Decimal `json:"market_cap,omitempty" msgpack:"market_cap"`
}

// RawEquityParams carries unvalidated inputs into NewRawEquity.
// String pointers are trimmed and uppercased where the field is an
// identifier; nil or empty values yield nil fields.
type RawEquityParams struct {
	Name           string
	Symbol         string
	ISIN           *string
	CUSIP          *string
	ShareClassFIGI *string
	MICs           []string
	Currency       *string
	LastPrice      *decimal.Decimal
	MarketCap      *decimal.Decimal
}

// NewRawEquity validates and normalises the params into a RawEquity.
// Any violation fails construction.
func NewRawEquity(p RawEquityParams) (RawEquity, error) {
	name := NormalizeName(p.Name)
	if name == "" {
		return RawEquity{}, fmt.Errorf("equity name must be non-empty")
	}

	symbol := NormalizeSymbol(p.Symbol)
	if symbol == "" {
		return RawEquity{}, fmt.Errorf("equity symbol must be non-empty")
	}

	isin, err := normalizeOptional(p.ISIN, ValidateISIN)
	if err != nil {
		return RawEquity{}, err
	}

	cusip, err := normalizeOptional(p.CUSIP, ValidateCUSIP)
	if err != nil {
		return RawEquity{}, err
	}

	figi, err := normalizeOptional(p.ShareClassFIGI, ValidateFIGI)
	if err != nil {
		return RawEquity{}, err
	}

	currency, err := normalizeOptional(p.Currency, ValidateCurrency)
	if err != nil {
		return RawEquity{}, err
	}

	mics, err := NormalizeMICs(p.MICs)
	if err != nil {
		return RawEquity{}, err
	}

	lastPrice, err := normalizeAmount("last_price", p.LastPrice)
	if err != nil {
		return RawEquity{}, err
	}

	marketCap, err := normalizeAmount("market_cap", p.MarketCap)
	if err != nil {
		return RawEquity{}, err
	}

	return RawEquity{
		Name:           name,
		Symbol:         symbol,
		ISIN:           isin,
		CUSIP:          cusip,
		ShareClassFIGI: figi,
		MICs:           mics,
		Currency:       currency,
		LastPrice:      lastPrice,
		MarketCap:      marketCap,
	}, nil
}

// Equal reports whether two raw equities carry identical field values.
func (e RawEquity) Equal(other RawEquity) bool {
	if e.Name != other.Name || e.Symbol != other.Symbol {
		return false
	}
	if !strPtrEqual(e.ISIN, other.ISIN) ||
		!strPtrEqual(e.CUSIP, other.CUSIP) ||
		!strPtrEqual(e.ShareClassFIGI, other.ShareClassFIGI) ||
		!strPtrEqual(e.Currency, other.Currency) {
		return false
	}
	if len(e.MICs) != len(other.MICs) {
		return false
	}
	for i := range e.MICs {
		if e.MICs[i] != other.MICs[i] {
			return false
		}
	}
	return decPtrEqual(e.LastPrice, other.LastPrice) &&
		decPtrEqual(e.MarketCap, other.MarketCap)
}

// Identity is the identifying half of a canonical equity.
// ShareClassFIGI is required and is the primary key.
type Identity struct {
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol"`
	ShareClassFIGI string  `json:"share_class_figi"`
	ISIN           *string `json:"isin,omitempty"`
	CUSIP          *string `json:"cusip,omitempty"`
}

// Financials is the priced half of a canonical equity.
type Financials struct {
	MICs      []string         `json:"mics,omitempty"`
	Currency  *string          `json:"currency,omitempty"`
	LastPrice *decimal.Decimal `json:"last_price,omitempty"`
	MarketCap *decimal.Decimal `json:"market_cap,omitempty"`
}

// CanonicalEquity is the terminal record emitted by the pipeline.
type CanonicalEquity struct {
	Identity   Identity   `json:"identity"`
	Financials Financials `json:"financials"`
}

// NewCanonicalEquity promotes a raw equity that carries a share-class FIGI.
func NewCanonicalEquity(raw RawEquity) (CanonicalEquity, error) {
	if raw.ShareClassFIGI == nil {
		return CanonicalEquity{}, fmt.Errorf("canonical equity requires a share_class_figi")
	}
	return CanonicalEquity{
		Identity: Identity{
			Name:           raw.Name,
			Symbol:         raw.Symbol,
			ShareClassFIGI: *raw.ShareClassFIGI,
			ISIN:           raw.ISIN,
			CUSIP:          raw.CUSIP,
		},
		Financials: Financials{
			MICs:      raw.MICs,
			Currency:  raw.Currency,
			LastPrice: raw.LastPrice,
			MarketCap: raw.MarketCap,
		},
	}, nil
}

// FIGI returns the primary key of the canonical record.
func (c CanonicalEquity) FIGI() string {
	return c.Identity.ShareClassFIGI
}

func normalizeOptional(value *string, validate func(string) (string, error)) (*string, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	normalized, err := validate(*value)
	if err != nil {
		return nil, err
	}
	return &normalized, nil
}

func normalizeAmount(field string, value *decimal.Decimal) (*decimal.Decimal, error) {
	if value == nil {
		return nil, nil
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("%s must be non-negative, got %s", field, value.String())
	}
	v := *value
	return &v, nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func decPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// StrPtr returns a pointer to s. Convenience for optional fields.
func StrPtr(s string) *string { return &s }

// DecPtr returns a pointer to d. Convenience for optional fields.
func DecPtr(d decimal.Decimal) *decimal.Decimal { return &d }
