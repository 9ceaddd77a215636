package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmount(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want float64
	}{
		{name: "european thousands", in: "10.035.000,00", want: 10035000.00},
		{name: "space thousands", in: "1 234.56", want: 1234.56},
		{name: "garbage", in: "not-a-number", want: 0},
		{name: "comma decimal", in: "50000,5", want: 50000.5},
		{name: "nbsp thousands", in: "2 500 000", want: 2500000},
		{name: "comma thousands and decimal", in: "1,234,567.89", want: 1234567.89},
		{name: "empty", in: "", want: 0},
		{name: "nan text", in: "NaN", want: 0},
		{name: "float", in: 99.5, want: 99.5},
		{name: "int", in: 42, want: 42},
		{name: "json number", in: json.Number("7.25"), want: 7.25},
		{name: "nil", in: nil, want: 0},
		{name: "unsupported type", in: []string{"1"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Amount(tt.in), 1e-9)
		})
	}
}

func TestCardMask(t *testing.T) {
	tests := []struct {
		in   string
		want *string
	}{
		{in: "*6714", want: ptr("***6714")},
		{in: "6714", want: ptr("***6714")},
		{in: "8600 12** **** 6714", want: ptr("***6714")},
		{in: "", want: nil},
		{in: " ** ", want: ptr("**")},
		{in: "*12", want: ptr("*12")},
		{in: "VISA", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CardMask(tt.in))
		})
	}
}

func TestCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "сум", want: "UZS"},
		{in: "usdt", want: "USD"},
		{in: "zz", want: "UZS"},
		{in: " eur ", want: "EUR"},
		{in: "so'm", want: "UZS"},
		{in: "СОМ", want: "UZS"},
		{in: "руб", want: "RUB"},
		{in: "US1", want: "UZS"},
		{in: "", want: "UZS"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Currency(tt.in))
		})
	}
}

func ptr(s string) *string { return &s }
