package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Identifier patterns, per the respective registry formats.
var (
	isinPattern     = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)
	cusipPattern    = regexp.MustCompile(`^[0-9A-Z]{9}$`)
	figiPattern     = regexp.MustCompile(`^[A-Z0-9]{12}$`)
	micPattern      = regexp.MustCompile(`^[A-Z0-9]{4}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	punctuationRun = regexp.MustCompile(`[^\pL\pN]+`)
)

// NormalizeName uppercases a display name and collapses punctuation and
// whitespace runs into single spaces.
func NormalizeName(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	collapsed := punctuationRun.ReplaceAllString(upper, " ")
	return strings.TrimSpace(collapsed)
}

// NormalizeSymbol trims and uppercases a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateISIN normalises and validates a 12-character ISIN.
func ValidateISIN(isin string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(isin))
	if !isinPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid ISIN %q", isin)
	}
	return normalized, nil
}

// ValidateCUSIP normalises and validates a 9-character CUSIP.
func ValidateCUSIP(cusip string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(cusip))
	if !cusipPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid CUSIP %q", cusip)
	}
	return normalized, nil
}

// ValidateFIGI normalises and validates a 12-character share-class FIGI.
func ValidateFIGI(figi string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(figi))
	if !figiPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid FIGI %q", figi)
	}
	return normalized, nil
}

// ValidateMIC normalises and validates a 4-character venue code.
func ValidateMIC(mic string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(mic))
	if !micPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid MIC %q", mic)
	}
	return normalized, nil
}

// ValidateCurrency normalises and validates a 3-letter ISO-4217 code.
func ValidateCurrency(currency string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	if !currencyPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid currency %q", currency)
	}
	return normalized, nil
}

// NormalizeMICs validates each venue code and deduplicates the list,
// preserving first-seen order. Empty input yields nil.
func NormalizeMICs(mics []string) ([]string, error) {
	if len(mics) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(mics))
	result := make([]string, 0, len(mics))
	for _, mic := range mics {
		if strings.TrimSpace(mic) == "" {
			continue
		}
		normalized, err := ValidateMIC(mic)
		if err != nil {
			return nil, err
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		result = append(result, normalized)
	}

	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// ParseDecimal converts a vendor numeric string into a non-negative decimal.
// It strips a leading '+', rejects negatives and scientific notation, and
// resolves both US ("1,234.56") and EU ("1.234,56") separator conventions.
// When a string carries a single separator followed by exactly three digits
// and no other separator, it is read as a thousands separator ("1,234").
func ParseDecimal(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty numeric string")
	}

	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "-") {
		return decimal.Decimal{}, fmt.Errorf("negative value %q not allowed", raw)
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Decimal{}, fmt.Errorf("scientific notation %q not allowed", raw)
	}

	normalized, err := resolveSeparators(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed numeric string %q: %w", raw, err)
	}

	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed numeric string %q: %w", raw, err)
	}
	return value, nil
}

// resolveSeparators rewrites a numeric string into canonical dot-decimal
// form, deciding which of '.' and ',' is the decimal separator.
func resolveSeparators(s string) (string, error) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			// US convention: ',' groups thousands, '.' is decimal
			if err := checkGrouping(s, ',', '.'); err != nil {
				return "", err
			}
			return strings.ReplaceAll(s, ",", ""), nil
		}
		// EU convention: '.' groups thousands, ',' is decimal
		if err := checkGrouping(s, '.', ','); err != nil {
			return "", err
		}
		cleaned := strings.ReplaceAll(s, ".", "")
		return strings.Replace(cleaned, ",", ".", 1), nil

	case lastComma >= 0:
		return resolveSingleSeparator(s, ',')

	case lastDot >= 0:
		return resolveSingleSeparator(s, '.')

	default:
		return s, nil
	}
}

// resolveSingleSeparator handles strings containing only one kind of
// separator. Repeated separators always group thousands; a lone separator
// followed by exactly three digits is read as grouping too.
func resolveSingleSeparator(s string, sep byte) (string, error) {
	count := strings.Count(s, string(sep))
	if count > 1 {
		if err := checkGrouping(s, sep, 0); err != nil {
			return "", err
		}
		return strings.ReplaceAll(s, string(sep), ""), nil
	}

	idx := strings.IndexByte(s, sep)
	tail := s[idx+1:]
	if len(tail) == 3 && isDigits(tail) && idx > 0 {
		return s[:idx] + tail, nil
	}

	// Decimal separator
	if sep == ',' {
		return strings.Replace(s, ",", ".", 1), nil
	}
	return s, nil
}

// checkGrouping verifies that every group separated by groupSep (other than
// the first) is exactly three digits. decimalSep, when non-zero, terminates
// the grouped region.
func checkGrouping(s string, groupSep, decimalSep byte) error {
	grouped := s
	if decimalSep != 0 {
		if idx := strings.IndexByte(s, decimalSep); idx >= 0 {
			grouped = s[:idx]
			frac := s[idx+1:]
			if frac == "" || !isDigits(frac) {
				return fmt.Errorf("invalid fractional part")
			}
		}
	}

	groups := strings.Split(grouped, string(groupSep))
	if len(groups) < 2 {
		return nil
	}
	if groups[0] == "" || len(groups[0]) > 3 || !isDigits(groups[0]) {
		return fmt.Errorf("invalid thousands grouping")
	}
	for _, g := range groups[1:] {
		if len(g) != 3 || !isDigits(g) {
			return fmt.Errorf("invalid thousands grouping")
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
