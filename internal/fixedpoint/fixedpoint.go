// Package fixedpoint provides integer micro-unit arithmetic for stakes,
// share quantities, and prices.
//
// Everything that feeds order sizing or the leg-to-leg cascade is computed
// here in int64 micro-units (1 unit = 10⁻⁶). Floating point is never used
// on this path: repeated divide/multiply over many order-book levels drifts
// visibly at scale. shopspring/decimal remains the display and JSON
// boundary — values cross into decimal only when rendered, never back.
package fixedpoint

import (
	"errors"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Scale is the number of micro-units per whole unit.
const Scale = 1_000_000

// Micros is a quantity in micro-units: micro-dollars for stakes and costs,
// micro-shares for outcome token quantities. A winning binary outcome token
// settles at $1, so N micro-shares convert to N micro-dollars of proceeds.
type Micros int64

// Price is a price in micro-dollars per share. A displayed price of 0.40
// is Price(400_000).
type Price int64

var (
	// ErrNonPositivePrice is returned when a price that must be positive
	// is zero or negative.
	ErrNonPositivePrice = errors.New("fixedpoint: price must be positive")

	// ErrNegativeAmount is returned for negative stakes or sizes.
	ErrNegativeAmount = errors.New("fixedpoint: amount must not be negative")
)

// mulDiv computes a*b/den with a 128-bit intermediate so the product cannot
// overflow. Inputs must be non-negative and den positive; the quotient must
// fit in int64, which holds for any realistic stake (stakes up to $10^9 at
// full micro precision stay within range).
func mulDiv(a, b, den int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	quo, _ := bits.Div64(hi, lo, uint64(den))
	return int64(quo)
}

// mulDivCeil is mulDiv rounding up.
func mulDivCeil(a, b, den int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	quo, rem := bits.Div64(hi, lo, uint64(den))
	if rem > 0 {
		quo++
	}
	return int64(quo)
}

// SharesFor returns the maximum whole micro-shares purchasable with stake
// at the given price. Rounds down: the result never costs more than stake.
func SharesFor(stake Micros, price Price) Micros {
	if stake <= 0 || price <= 0 {
		return 0
	}
	return Micros(mulDiv(int64(stake), Scale, int64(price)))
}

// CostOf returns the cost in micro-dollars of buying shares at price.
// Rounds up: accounting never records less than the book charges.
// Because SharesFor rounds down, CostOf(SharesFor(s, p), p) <= s still
// holds, so a purchase sized by a stake can never overspend it.
func CostOf(shares Micros, price Price) Micros {
	if shares <= 0 || price <= 0 {
		return 0
	}
	return Micros(mulDivCeil(int64(shares), int64(price), Scale))
}

// AvgPrice returns the volume-weighted average price cost/shares.
func AvgPrice(cost, shares Micros) Price {
	if shares <= 0 {
		return 0
	}
	return Price(mulDiv(int64(cost), Scale, int64(shares)))
}

// ApplySlippage returns price*(1+slip) where slip is a micro-fraction
// (5% tolerance is Micros(50_000)). Rounds down.
func ApplySlippage(price Price, slip Micros) Price {
	if price <= 0 || slip <= 0 {
		return price
	}
	return price + Price(mulDiv(int64(price), int64(slip), Scale))
}

// Ratio returns a/b as a micro-fraction, rounding down. Used for
// stake-versus-liquidity threshold tests.
func Ratio(a, b Micros) Micros {
	if a <= 0 || b <= 0 {
		return 0
	}
	return Micros(mulDiv(int64(a), Scale, int64(b)))
}

// --- decimal boundary ---

var scaleDec = decimal.NewFromInt(Scale)

// MicrosFromDecimal converts a decimal dollar/share amount to micro-units,
// truncating below micro precision.
func MicrosFromDecimal(d decimal.Decimal) Micros {
	return Micros(d.Mul(scaleDec).IntPart())
}

// PriceFromDecimal converts a decimal price to a micro-price.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price(d.Mul(scaleDec).IntPart())
}

// Decimal renders a micro-amount as an exact decimal.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// Decimal renders a micro-price as an exact decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -6)
}
