package pipeline

import (
	"fmt"
	"sort"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/shopspring/decimal"

	"github.com/aristath/equity-aggregator/internal/domain"
)

// nameClusterThreshold is the minimum token-set similarity for two spellings
// of a company name to be treated as the same name.
const nameClusterThreshold = 90

// MergeGroup folds duplicate records that share one share-class FIGI into a
// single record. Records carrying different FIGIs in the same group indicate
// corrupt grouping and abort the run.
func MergeGroup(group []domain.RawEquity) (domain.RawEquity, error) {
	if len(group) == 0 {
		return domain.RawEquity{}, fmt.Errorf("cannot merge an empty group")
	}

	figi, err := groupFIGI(group)
	if err != nil {
		return domain.RawEquity{}, err
	}

	params := domain.RawEquityParams{
		Name:           mergeName(group),
		Symbol:         modalString(group, func(e domain.RawEquity) *string { s := e.Symbol; return &s }),
		ShareClassFIGI: figi,
		ISIN:           modalOptional(group, func(e domain.RawEquity) *string { return e.ISIN }),
		CUSIP:          modalOptional(group, func(e domain.RawEquity) *string { return e.CUSIP }),
		Currency:       modalOptional(group, func(e domain.RawEquity) *string { return e.Currency }),
		MICs:           unionMICs(group),
		LastPrice:      medianAmount(group, func(e domain.RawEquity) *decimal.Decimal { return e.LastPrice }),
		MarketCap:      medianAmount(group, func(e domain.RawEquity) *decimal.Decimal { return e.MarketCap }),
	}

	merged, err := domain.NewRawEquity(params)
	if err != nil {
		return domain.RawEquity{}, fmt.Errorf("merged record failed validation: %w", err)
	}
	return merged, nil
}

// groupFIGI verifies every identified record in the group agrees on the FIGI.
func groupFIGI(group []domain.RawEquity) (*string, error) {
	var figi *string
	for _, equity := range group {
		if equity.ShareClassFIGI == nil {
			continue
		}
		if figi == nil {
			figi = equity.ShareClassFIGI
			continue
		}
		if *figi != *equity.ShareClassFIGI {
			return nil, fmt.Errorf("group mixes share-class FIGIs %s and %s", *figi, *equity.ShareClassFIGI)
		}
	}
	return figi, nil
}

// mergeName clusters the group's name spellings by token-set similarity,
// picks the largest cluster (earliest-formed on ties), and returns that
// cluster's earliest spelling.
func mergeName(group []domain.RawEquity) string {
	type cluster struct {
		representative string
		size           int
	}

	var clusters []cluster
	for _, equity := range group {
		matched := false
		for i := range clusters {
			if fuzzy.TokenSetRatio(equity.Name, clusters[i].representative) >= nameClusterThreshold {
				clusters[i].size++
				matched = true
				break
			}
		}
		if !matched {
			clusters = append(clusters, cluster{representative: equity.Name, size: 1})
		}
	}

	best := clusters[0]
	for _, c := range clusters[1:] {
		if c.size > best.size {
			best = c
		}
	}
	return best.representative
}

// modalString returns the most frequent value, breaking ties by first
// appearance.
func modalString(group []domain.RawEquity, field func(domain.RawEquity) *string) string {
	counts := make(map[string]int)
	var order []string
	for _, equity := range group {
		value := field(equity)
		if value == nil || *value == "" {
			continue
		}
		if counts[*value] == 0 {
			order = append(order, *value)
		}
		counts[*value]++
	}

	best := ""
	for _, value := range order {
		if best == "" || counts[value] > counts[best] {
			best = value
		}
	}
	return best
}

// modalOptional is modalString for optional fields; all-nil yields nil.
func modalOptional(group []domain.RawEquity, field func(domain.RawEquity) *string) *string {
	value := modalString(group, field)
	if value == "" {
		return nil
	}
	return &value
}

// unionMICs returns the ordered union of every record's venue list.
func unionMICs(group []domain.RawEquity) []string {
	seen := make(map[string]bool)
	var union []string
	for _, equity := range group {
		for _, mic := range equity.MICs {
			if !seen[mic] {
				seen[mic] = true
				union = append(union, mic)
			}
		}
	}
	return union
}

// medianAmount returns the median of the non-nil values: the middle value
// for odd counts, the mean of the middle two for even counts.
func medianAmount(group []domain.RawEquity, field func(domain.RawEquity) *decimal.Decimal) *decimal.Decimal {
	var values []decimal.Decimal
	for _, equity := range group {
		if v := field(equity); v != nil {
			values = append(values, *v)
		}
	}
	if len(values) == 0 {
		return nil
	}

	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return &values[mid]
	}
	median := values[mid-1].Add(values[mid]).Div(two)
	return &median
}

var two = decimal.NewFromInt(2)
