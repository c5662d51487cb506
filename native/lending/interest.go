package lending

import "math/big"

// InterestModel maps the current rate, pair utilization and elapsed time onto
// the next per-second borrow rate at 1e18 scale. Implementations must be
// pure so accrual stays deterministic.
type InterestModel interface {
	NextRate(currentRate *big.Int, utilization *big.Rat, elapsed uint64) *big.Int
}

// KinkModel is a two-slope utilization curve. Below the kink the rate climbs
// at Slope1 per unit of utilization; above it Slope2 applies to the excess.
// All rate fields are per-second values at 1e18 scale. The model is
// memoryless: the previous rate and elapsed time do not influence the output.
type KinkModel struct {
	// BaseRate is the per-second rate at zero utilization.
	BaseRate *big.Int
	// Slope1 is the per-second rate added per unit utilization up to Kink.
	Slope1 *big.Int
	// Slope2 is the per-second rate added per unit utilization above Kink.
	Slope2 *big.Int
	// Kink is the utilization ratio where the slope changes.
	Kink *big.Rat
}

// NewKinkModel constructs a kinked model from per-second 1e18 rates and a
// kink ratio expressed as a rational in [0, 1].
func NewKinkModel(baseRate, slope1, slope2 *big.Int, kink *big.Rat) *KinkModel {
	model := &KinkModel{
		BaseRate: big.NewInt(0),
		Slope1:   big.NewInt(0),
		Slope2:   big.NewInt(0),
		Kink:     new(big.Rat),
	}
	if baseRate != nil {
		model.BaseRate = new(big.Int).Set(baseRate)
	}
	if slope1 != nil {
		model.Slope1 = new(big.Int).Set(slope1)
	}
	if slope2 != nil {
		model.Slope2 = new(big.Int).Set(slope2)
	}
	if kink != nil {
		model.Kink.Set(kink)
	}
	return model
}

// Clone returns a deep copy of the model.
func (m *KinkModel) Clone() *KinkModel {
	if m == nil {
		return nil
	}
	return NewKinkModel(m.BaseRate, m.Slope1, m.Slope2, m.Kink)
}

// NextRate implements InterestModel.
func (m *KinkModel) NextRate(_ *big.Int, utilization *big.Rat, _ uint64) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	rate := new(big.Int).Set(m.BaseRate)
	if utilization == nil || utilization.Sign() <= 0 {
		return rate
	}
	u := new(big.Rat).Set(utilization)
	if u.Cmp(ratOne) > 0 {
		u.Set(ratOne)
	}
	kink := m.Kink
	if kink == nil || kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		rate.Add(rate, ratMulInt(m.Slope1, u))
		return rate
	}
	rate.Add(rate, ratMulInt(m.Slope1, kink))
	excess := new(big.Rat).Sub(u, kink)
	rate.Add(rate, ratMulInt(m.Slope2, excess))
	return rate
}

var ratOne = big.NewRat(1, 1)

// ratMulInt scales an integer rate by a rational factor, floor rounded.
func ratMulInt(rate *big.Int, factor *big.Rat) *big.Int {
	if rate == nil || rate.Sign() == 0 || factor == nil || factor.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(rate, factor.Num())
	return out.Quo(out, factor.Denom())
}

// FixedRateModel always returns the same per-second rate. It is useful for
// deterministic accrual tests and conservative launch configurations.
type FixedRateModel struct {
	Rate *big.Int
}

// NextRate implements InterestModel.
func (m *FixedRateModel) NextRate(_ *big.Int, _ *big.Rat, _ uint64) *big.Int {
	if m == nil || m.Rate == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(m.Rate)
}
