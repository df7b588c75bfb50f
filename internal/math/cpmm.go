// Package math holds the pure pricing functions of the constant-product AMM
// and the bounded random walk driving the oracle.
package math

import (
	stdmath "math"
)

// AmountOut is the constant-product output for amountIn, net of fee:
//
//	eff = amountIn * (1 - fee)
//	out = eff * reserveOut / (reserveIn + eff)
//
// It returns 0 when eff is 0.
func AmountOut(reserveIn, reserveOut, amountIn, fee float64) float64 {
	eff := amountIn * (1 - fee)
	if eff == 0 {
		return 0
	}
	return eff * reserveOut / (reserveIn + eff)
}

// AmountIn inverts AmountOut: the input needed to receive amountOut.
// It returns +Inf when amountOut cannot be reached.
func AmountIn(reserveIn, reserveOut, amountOut, fee float64) float64 {
	if amountOut <= 0 {
		return 0
	}
	if amountOut >= reserveOut || fee >= 1 {
		return stdmath.Inf(1)
	}
	eff := amountOut * reserveIn / (reserveOut - amountOut)
	return eff / (1 - fee)
}

// SpotPrice is the marginal price of the base token in quote units.
func SpotPrice(reserveBase, reserveQuote float64) float64 {
	if reserveBase == 0 {
		return 0
	}
	return reserveQuote / reserveBase
}

// ConstantProduct returns k = ra * rb.
func ConstantProduct(ra, rb float64) float64 {
	return ra * rb
}

// ArbitrageInput sizes the swap that moves a pool priced at rb/ra toward
// target (units of b per unit of a). sellA reports which side goes in.
// amountIn is 0 when the pool already sits at the target.
func ArbitrageInput(ra, rb, target, fee float64) (sellA bool, amountIn float64) {
	if ra <= 0 || rb <= 0 || target <= 0 || fee >= 1 {
		return false, 0
	}
	k := ra * rb
	price := rb / ra

	switch {
	case price > target:
		// a is dear in the pool: add a until ra reaches sqrt(k/target)
		next := stdmath.Sqrt(k / target)
		return true, (next - ra) / (1 - fee)
	case price < target:
		next := stdmath.Sqrt(k * target)
		return false, (next - rb) / (1 - fee)
	default:
		return false, 0
	}
}

// LogDeviation is |ln(a) - ln(b)|, the distance between two prices.
func LogDeviation(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return stdmath.Inf(1)
	}
	return stdmath.Abs(stdmath.Log(a) - stdmath.Log(b))
}
