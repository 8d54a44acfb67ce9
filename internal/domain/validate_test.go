package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Foo Inc.", "FOO INC"},
		{"  foo   inc  ", "FOO INC"},
		{"Foo, Inc. (Class A)", "FOO INC CLASS A"},
		{"L'Oréal S.A.", "L ORÉAL S A"},
		{"AB--CD", "AB CD"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeName(tt.input), "input %q", tt.input)
	}
}

func TestValidateISIN(t *testing.T) {
	valid, err := ValidateISIN(" us0378331005 ")
	require.NoError(t, err)
	assert.Equal(t, "US0378331005", valid)

	_, err = ValidateISIN("0378331005US")
	assert.Error(t, err)

	_, err = ValidateISIN("US03783310")
	assert.Error(t, err)
}

func TestValidateCUSIP(t *testing.T) {
	valid, err := ValidateCUSIP("037833100")
	require.NoError(t, err)
	assert.Equal(t, "037833100", valid)

	_, err = ValidateCUSIP("03783310")
	assert.Error(t, err)
}

func TestValidateFIGI(t *testing.T) {
	valid, err := ValidateFIGI("bbg000b9xry4")
	require.NoError(t, err)
	assert.Equal(t, "BBG000B9XRY4", valid)

	_, err = ValidateFIGI("BBG000B9XRY")
	assert.Error(t, err)

	_, err = ValidateFIGI("BBG000B9XRY-")
	assert.Error(t, err)
}

func TestValidateCurrency(t *testing.T) {
	valid, err := ValidateCurrency("eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", valid)

	_, err = ValidateCurrency("EURO")
	assert.Error(t, err)
}

func TestNormalizeMICs(t *testing.T) {
	mics, err := NormalizeMICs([]string{"xpar", "XAMS", "XPAR", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"XPAR", "XAMS"}, mics)

	// Rejected lengths fail
	_, err = NormalizeMICs([]string{"XPARIS"})
	assert.Error(t, err)

	// Empty input yields nil
	mics, err = NormalizeMICs(nil)
	require.NoError(t, err)
	assert.Nil(t, mics)
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"123.45", "123.45"},
		{"+123.45", "123.45"},
		{"1,234.56", "1234.56"},
		{"1.234,56", "1234.56"},
		{"1.234.567,89", "1234567.89"},
		{"1,234,567.89", "1234567.89"},
		{"1,234", "1234"},
		{"1.234", "1234"},
		{"12,5", "12.5"},
		{"0", "0"},
	}

	for _, tt := range tests {
		value, err := ParseDecimal(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, value.String(), "input %q", tt.input)
	}
}

func TestParseDecimalRejects(t *testing.T) {
	inputs := []string{
		"",
		"-1.5",
		"1.5e3",
		"1E3",
		"12,34.56,78",
		"12.34.56", // broken thousands grouping
		"abc",
		"1..2",
		"1,,2",
	}

	for _, input := range inputs {
		_, err := ParseDecimal(input)
		assert.Error(t, err, "input %q", input)
	}
}
