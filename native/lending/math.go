package lending

import "math/big"

var (
	// one is the shared 1e18 fixed-point scale used for per-second rates,
	// oracle prices and the reward integral.
	one = big.NewInt(1_000_000_000_000_000_000)
	// ltvPrecision is the denominator for loan-to-value ratios.
	ltvPrecision = big.NewInt(100_000)
	basisPoints  = big.NewInt(10_000)
)

// LTVPrecision is the fixed-point denominator for MaxLTV values.
const LTVPrecision = 100_000

// RatePrecision is the fixed-point denominator for per-second interest rates.
const RatePrecision = 1_000_000_000_000_000_000

// mulDiv computes a*b/den with floor rounding. A zero denominator is an
// accounting invariant violation and panics.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	if den == nil || den.Sign() == 0 {
		panic("lending: division by zero in share conversion")
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// sharesForAmount converts a borrow amount into shares at the current
// exchange rate, floor rounded. The first borrow bootstraps at 1:1.
func sharesForAmount(amount, totalShares, totalAmount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	return mulDiv(amount, totalShares, totalAmount)
}

// amountForShares converts borrow shares into the owed amount at the current
// exchange rate, floor rounded.
func amountForShares(shares, totalShares, totalAmount *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, totalAmount, totalShares)
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
