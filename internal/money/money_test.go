package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLoose(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{name: "plain integer", input: "300", want: "300", ok: true},
		{name: "thousands separator", input: "1,250", want: "1250", ok: true},
		{name: "currency suffix", input: "99.5 EGP", want: "99.5", ok: true},
		{name: "negative total", input: "-500", want: "-500", ok: true},
		{name: "arabic label around digits", input: "المبلغ 40", want: "40", ok: true},
		{name: "rounds to two places", input: "10.005", want: "10.01", ok: true},
		{name: "empty", input: "   ", want: "0", ok: false},
		{name: "only text", input: "n/a", want: "0", ok: false},
		{name: "inner dash", input: "10-20", want: "0", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseLoose(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.True(t, decimal.RequireFromString(tc.want).Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestLineTotalAndBalance(t *testing.T) {
	price := decimal.RequireFromString("100")
	total := LineTotal(price, 2)
	require.True(t, total.Equal(decimal.NewFromInt(200)))

	balance := Balance(total, decimal.NewFromInt(150))
	assert.True(t, balance.Equal(decimal.NewFromInt(50)))

	over := Balance(total, decimal.NewFromInt(250))
	assert.True(t, IsNegative(over))
}

func TestSumKeepsPrecision(t *testing.T) {
	got := Sum(decimal.RequireFromString("0.1"), decimal.RequireFromString("0.2"))
	assert.Equal(t, "0.3", got.String())
}
