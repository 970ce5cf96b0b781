// Package money holds the fixed-point helpers every ledger computation goes
// through. Amounts are decimals rounded to two places on the way in.
package money

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits stored for every amount.
const Places = 2

// MaxQuantity is the largest stock or line quantity a counter can hold.
const MaxQuantity = math.MaxInt32

var Zero = decimal.Zero

// MaxAmount is the largest magnitude a stored amount column holds: twelve
// integer digits and two fractional ones.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// InRange reports whether d fits the stored amount precision.
func InRange(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// Normalize rounds d to the stored precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// LineTotal is price multiplied by an integer quantity.
func LineTotal(price decimal.Decimal, qty int) decimal.Decimal {
	return Normalize(price.Mul(decimal.NewFromInt(int64(qty))))
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Balance is total minus collection. Negative means the customer overpaid.
func Balance(total, collection decimal.Decimal) decimal.Decimal {
	return total.Sub(collection)
}

// ParseLoose coerces a spreadsheet-style value into an amount. Everything
// except digits, '.' and '-' is dropped first, so "1,250 EGP" reads as 1250.
// Values that still fail to parse are reported as zero with ok=false.
func ParseLoose(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	// a '-' anywhere but the front is noise from a date or range, not a sign
	if idx := strings.LastIndex(clean, "-"); idx > 0 {
		return decimal.Zero, false
	}
	if clean == "" || clean == "-" || clean == "." {
		return decimal.Zero, false
	}
	val, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return Normalize(val), true
}

// IsNegative reports whether d is strictly below zero.
func IsNegative(d decimal.Decimal) bool {
	return d.Sign() < 0
}
